// Package p2p owns the libp2p host that carries the signaling relay.
// The node is deliberately small: identity, transport, LAN discovery and a
// GossipSub router. Everything call-specific lives above it in
// internal/signal and internal/call.
package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

const connectTimeout = 10 * time.Second

// Node bundles the libp2p host and its pubsub router.
type Node struct {
	Host   host.Host
	PubSub *pubsub.PubSub

	mdns mdns.Service
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts a libp2p host with a GossipSub router and mDNS LAN discovery.
// bootstrap addresses, if any, are dialed in the background.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string, bootstrap []string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	n := &Node{Host: h, PubSub: ps, mdns: md}

	for _, addr := range bootstrap {
		go n.connectBootstrap(ctx, addr)
	}

	log.Infof("node up: %s (%d listen addrs)", h.ID(), len(h.Addrs()))
	return n, nil
}

// connectBootstrap dials one configured bootstrap multiaddr.
func (n *Node) connectBootstrap(ctx context.Context, addr string) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		log.Warnf("bad bootstrap addr %q: %v", addr, err)
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		log.Warnf("bootstrap addr %q has no peer id: %v", addr, err)
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := n.Host.Connect(dialCtx, *pi); err != nil {
		log.Warnf("bootstrap connect %s: %v", pi.ID, err)
	}
}

// Close stops discovery and shuts the host down.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
