package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/internal/nest"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

var errNotStarted = errors.New("p2p node not started")

// BroadcastEvent publishes a locally produced event to the network.
// Events received from peers are not rebroadcast; gossipsub forwards them.
func (n *Node) BroadcastEvent(ev nest.Event) error {
	if n.topic == nil {
		return errNotStarted
	}
	if ev.Remote {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.topic.Publish(n.ctx, data)
}

func (n *Node) readLoop() {
	for {
		msg, err := n.sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.handleEventMessage(msg)
	}
}

func (n *Node) handleEventMessage(msg *pubsub.Message) {
	from := msg.ReceivedFrom
	defer func() {
		if r := recover(); r != nil {
			klog.P2P.Error().Interface("panic", r).Str("peer", shortID(from)).Msg("Event handler panicked")
		}
	}()

	ev, err := decodeEvent(msg.Data)
	if err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(from)).Msg("Dropping gossiped event")
		penalty := PenaltyInvalidEvent
		if isMalformed(err) {
			penalty = PenaltyMalformedEvent
		}
		n.BanManager.RecordOffense(from, penalty, err.Error())
		return
	}
	ev.Remote = true

	n.mu.Lock()
	if p, ok := n.peers[from]; ok {
		p.Events++
	}
	n.mu.Unlock()

	n.handlerMu.RLock()
	fn := n.handler
	n.handlerMu.RUnlock()
	if fn != nil {
		fn(from, ev)
	}
}

var errMalformedEvent = errors.New("malformed event")

// decodeEvent parses and sanity checks a gossiped event.
func decodeEvent(data []byte) (nest.Event, error) {
	var ev nest.Event
	if len(data) > MaxEventSize {
		return ev, fmt.Errorf("%w: %d bytes", errMalformedEvent, len(data))
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if ev.ID == "" {
		return ev, errors.New("event without id")
	}
	if ev.NestID == 0 {
		return ev, errors.New("event for nest 0")
	}
	switch ev.Kind {
	case nest.EventNestCreated, nest.EventNestWithdrawn:
	case nest.EventUserInNest:
		if ev.User == nil {
			return ev, errors.New("UserInNest without user")
		}
	default:
		return ev, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return ev, nil
}

func isMalformed(err error) bool {
	return errors.Is(err, errMalformedEvent)
}
