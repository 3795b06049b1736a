package p2p

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const banKeyPrefix = "ban/"

// BanRecord is a stored ban.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// IsExpired reports whether a timed ban has run out.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// BanStore keeps BanRecords under the "ban/" prefix.
type BanStore struct {
	db storage.DB
}

// NewBanStore returns a BanStore over db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: db}
}

func banKey(id string) []byte {
	return []byte(banKeyPrefix + id)
}

// Get returns the ban for id, or storage.ErrNotFound.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	var rec BanRecord
	if err := getJSON(bs.db, banKey(id.String()), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores rec.
func (bs *BanStore) Put(rec *BanRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("ban record without peer id")
	}
	return putJSON(bs.db, banKey(rec.ID), rec)
}

// Delete lifts the stored ban for id.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete(banKey(id.String()))
}

// ForEach calls fn for every decodable ban.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return eachJSON(bs.db, banKeyPrefix, fn)
}

// PruneExpired drops expired and corrupt bans.
func (bs *BanStore) PruneExpired() (int, error) {
	return pruneJSON(bs.db, banKeyPrefix, func(rec *BanRecord) bool {
		return rec.IsExpired()
	})
}
