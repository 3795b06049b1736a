package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer is a connected remote node.
type Peer struct {
	ID          peer.ID   `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Source      string    `json:"source"` // one of the Source* constants, or empty
	Events      uint64    `json:"events"` // events received from this peer
}
