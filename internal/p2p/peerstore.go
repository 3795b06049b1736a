package p2p

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	peerKeyPrefix     = "peer/"
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// Peer sources.
const (
	SourceSeed    = "seed"
	SourceDHT     = "dht"
	SourceMDNS    = "mdns"
	SourceStored  = "stored"
	SourceInbound = "inbound"
)

// PeerRecord is a remembered peer, redialled on the next start.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

// PeerStore keeps PeerRecords under the "peer/" prefix.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore returns a PeerStore over db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKey(id string) []byte {
	return []byte(peerKeyPrefix + id)
}

// Save stores rec. New peers are dropped silently once the store holds
// maxPersistedPeers records; known peers are always updated.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := peerKey(rec.ID)
	known, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer: %w", err)
	}
	if !known {
		n, err := ps.Count()
		if err != nil {
			return err
		}
		if n >= maxPersistedPeers {
			return nil
		}
	}
	return putJSON(ps.db, key, rec)
}

// Load returns the record for id.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	var rec PeerRecord
	if err := getJSON(ps.db, peerKey(id.String()), &rec); err != nil {
		return nil, fmt.Errorf("load peer: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every decodable record.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var out []PeerRecord
	err := eachJSON(ps.db, peerKeyPrefix, func(rec *PeerRecord) error {
		out = append(out, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	return out, nil
}

// Delete forgets id.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete(peerKey(id.String()))
}

// PruneStale drops records not seen within threshold and any corrupt ones.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	return pruneJSON(ps.db, peerKeyPrefix, func(rec *PeerRecord) bool {
		return rec.LastSeen < cutoff
	})
}

// Count returns the number of stored records.
func (ps *PeerStore) Count() (int, error) {
	n, err := countPrefix(ps.db, peerKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}
