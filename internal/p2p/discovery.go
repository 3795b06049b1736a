package p2p

import (
	"context"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	dhtDiscoveryInterval = 30 * time.Second
	dhtFindTimeout       = 20 * time.Second
)

// mdnsNotifee dials peers found on the local network.
type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n := m.node
	if pi.ID == n.host.ID() || n.atCapacity() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err == nil {
		n.addPeer(pi.ID, SourceMDNS)
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &mdnsNotifee{node: n})
	if err := svc.Start(); err != nil {
		klog.P2P.Debug().Err(err).Msg("mDNS unavailable")
	}
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kad
	return kad.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

// runDHTDiscovery advertises the rendezvous and periodically dials peers
// found under it.
func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(rd)
		}
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, dhtFindTimeout)
	defer cancel()

	found, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range found {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.atCapacity() {
			return
		}
		dctx, dcancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(dctx, p); err == nil {
			n.addPeer(p.ID, SourceDHT)
		}
		dcancel()
	}
}

// persistPeers writes the current peer set to the peer store.
func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	saved := 0
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    make([]string, 0, len(addrs)),
			LastSeen: now,
			Source:   p.Source,
		}
		for _, a := range addrs {
			rec.Addrs = append(rec.Addrs, a.String())
		}
		if err := n.peerStore.Save(rec); err == nil {
			saved++
		}
	}
	klog.P2P.Debug().Int("peers", saved).Msg("Peers persisted")
}

// loadPersistedPeers redials peers remembered from earlier runs.
func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	_, _ = n.peerStore.PruneStale(staleThreshold)

	records, err := n.peerStore.LoadAll()
	if err != nil {
		klog.P2P.Warn().Err(err).Msg("Loading stored peers failed")
		return
	}
	for _, rec := range records {
		info, ok := rec.addrInfo()
		if !ok || info.ID == n.host.ID() {
			continue
		}
		if n.atCapacity() {
			return
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.addPeer(info.ID, SourceStored)
		}
		cancel()
	}
}

// addrInfo rebuilds a dialable AddrInfo from the stored strings.
func (rec PeerRecord) addrInfo() (peer.AddrInfo, bool) {
	id, err := peer.Decode(rec.ID)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	info := peer.AddrInfo{ID: id}
	for _, addr := range rec.Addrs {
		ai, err := peer.AddrInfoFromString(addr + "/p2p/" + rec.ID)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, ai.Addrs...)
	}
	return info, len(info.Addrs) > 0
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			_, _ = n.peerStore.PruneStale(staleThreshold)
		}
	}
}
