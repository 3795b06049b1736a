package p2p

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	handshakeTimeout  = 10 * time.Second
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged once per outbound connection.
type HandshakeMessage struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	NetworkID       string `json:"network_id"`
	Nests           uint64 `json:"nests"`
}

// handshakeEnabled reports whether peers are checked on connect.
func (n *Node) handshakeEnabled() bool {
	return n.config.NetworkID != ""
}

// SetNestCountFn sets the function reporting how many nests this node
// holds. The count is informational only.
func (n *Node) SetNestCountFn(fn func() uint64) {
	n.handlerMu.Lock()
	n.nestCount = fn
	n.handlerMu.Unlock()
}

// registerHandshakeHandler answers handshakes from dialing peers.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()
		_ = s.SetDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(s, maxHandshakeBytes)).Decode(&theirs); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake read failed")
			return
		}
		ours := n.buildHandshakeMessage()
		if err := json.NewEncoder(s).Encode(&ours); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake write failed")
			return
		}
		n.checkHandshake(remote, theirs)
	})
}

// doHandshake runs the dialer side of the handshake. Peers that do not
// speak the protocol are tolerated.
func (n *Node) doHandshake(id peer.ID) {
	s, err := n.host.NewStream(n.ctx, id, HandshakeProtocol)
	if err != nil {
		klog.P2P.Debug().Str("peer", shortID(id)).Msg("Peer has no handshake protocol")
		return
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.buildHandshakeMessage()
	if err := json.NewEncoder(s).Encode(&ours); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake send failed")
		return
	}
	_ = s.CloseWrite()

	var theirs HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(s, maxHandshakeBytes)).Decode(&theirs); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake reply read failed")
		return
	}
	n.checkHandshake(id, theirs)
}

func (n *Node) checkHandshake(id peer.ID, msg HandshakeMessage) {
	reason := n.validateHandshake(msg)
	if reason == "" {
		klog.P2P.Debug().Str("peer", shortID(id)).Uint64("nests", msg.Nests).Msg("Handshake ok")
		return
	}
	klog.P2P.Warn().Str("peer", shortID(id)).Str("reason", reason).Msg("Handshake rejected, banning peer")
	n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
	_ = n.DisconnectPeer(id)
}

// validateHandshake returns an empty string if msg is acceptable, or the
// reason it is not.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.NetworkID != n.config.NetworkID {
		return fmt.Sprintf("network mismatch: peer=%q local=%q", msg.NetworkID, n.config.NetworkID)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d", msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       n.config.NetworkID,
	}
	n.handlerMu.RLock()
	fn := n.nestCount
	n.handlerMu.RUnlock()
	if fn != nil {
		msg.Nests = fn()
	}
	return msg
}
