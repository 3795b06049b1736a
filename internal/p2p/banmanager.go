package p2p

import (
	"sync"
	"time"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour

	banPruneInterval = 10 * time.Minute
)

// Penalties added to a peer's score per offense.
const (
	PenaltyMalformedEvent = 25  // Undecodable or oversized gossip.
	PenaltyInvalidEvent   = 10  // Decodes but makes no sense.
	PenaltyHandshakeFail  = 100 // Wrong network or version.
)

// banNode is the part of Node the ban manager needs.
type banNode interface {
	DisconnectPeer(id peer.ID) error
}

// BanManager scores misbehaving peers and bans them past BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore // nil disables persistence
	node   banNode   // nil skips disconnects
}

// NewBanManager creates a BanManager. store and node may be nil.
func NewBanManager(store *BanStore, node banNode) *BanManager {
	bm := &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
	}
	// Avoid storing a typed nil *Node in the interface.
	if n, ok := node.(*Node); !ok || n != nil {
		bm.node = node
	}
	return bm
}

// LoadBans pulls unexpired bans from the store into memory.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	if n, err := bm.store.PruneExpired(); err != nil {
		klog.P2P.Warn().Err(err).Msg("Pruning stored bans failed")
	} else if n > 0 {
		klog.P2P.Debug().Int("pruned", n).Msg("Expired bans pruned")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	_ = bm.store.ForEach(func(rec *BanRecord) error {
		id, err := peer.Decode(rec.ID)
		if err == nil && !rec.IsExpired() {
			bm.bans[id] = rec
		}
		return nil
	})
}

// RecordOffense adds penalty to the peer's score and bans it once the score
// reaches BanThreshold. Offenses by an already banned peer are ignored.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.IsExpired() {
		bm.mu.Unlock()
		return
	}
	bm.scores[id] += penalty
	score := bm.scores[id]
	if score < BanThreshold {
		bm.mu.Unlock()
		klog.P2P.Debug().Str("peer", shortID(id)).Str("reason", reason).Int("score", score).Msg("Peer penalised")
		return
	}

	now := time.Now()
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Persisting ban failed")
		}
	}
	klog.P2P.Warn().Str("peer", shortID(id)).Str("reason", reason).Int("score", score).Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// Score returns the peer's current offense score.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned reports whether id is banned, dropping the ban if it expired.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.IsExpired() {
		return true
	}
	bm.Unban(id)
	return false
}

// Unban lifts a ban and clears the score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		_ = bm.store.Delete(id)
	}
}

// BanList returns the active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	var out []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			out = append(out, *rec)
		}
	}
	return out
}

// RunPruneLoop drops expired bans until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(banPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpired() {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		_, _ = bm.store.PruneExpired()
	}
}

// banGater refuses connections to and from banned peers.
type banGater struct {
	bans *BanManager
}

func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.bans.IsBanned(p)
}

func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept runs before the remote identity is known.
func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.bans.IsBanned(p)
}

func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
