package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// TopicEvents carries nest events as JSON.
const TopicEvents = "/timelocknest/events/1.0.0"

// HandshakeProtocol is the stream protocol used to check that a peer runs
// the same network.
const HandshakeProtocol = protocol.ID("/timelocknest/handshake/1.0.0")

const (
	// ProtocolVersion is advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the lowest peer version accepted.
	MinProtocolVersion uint32 = 1
)

// MaxEventSize caps a gossiped event message.
const MaxEventSize = 64 * 1024
