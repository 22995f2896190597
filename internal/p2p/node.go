// Package p2p carries pending comments between devices over libp2p
// gossipsub, one topic per chat room.
package p2p

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

type Config struct {
	ListenAddrs []string `yaml:"listen_addrs" env:"LISTEN_ADDRS" envSeparator:","`
	Peers       []string `yaml:"peers" env:"PEERS" envSeparator:","`
}

type Node struct {
	Host host.Host
	PS   *pubsub.PubSub
	Ctx  context.Context
	log  zerolog.Logger
}

// NewNode starts a host with identity priv, attaches gossipsub and dials
// the configured peers. Unreachable peers are logged, not fatal.
func NewNode(ctx context.Context, cfg Config, priv crypto.PrivKey, log zerolog.Logger) (*Node, error) {
	n := &Node{Ctx: ctx, log: log.With().Str("component", "p2p").Logger()}
	if err := n.InitHost(priv, cfg.ListenAddrs); err != nil {
		return nil, fmt.Errorf("init host: %w", err)
	}
	if err := n.InitPubSub(); err != nil {
		_ = n.Host.Close()
		return nil, fmt.Errorf("init pubsub: %w", err)
	}
	for _, addr := range cfg.Peers {
		if err := n.Connect(addr); err != nil {
			n.log.Warn().Err(err).Str("peer", addr).Msg("dial failed")
		}
	}
	return n, nil
}

func (n *Node) InitHost(priv crypto.PrivKey, listenAddrs []string) error {
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return err
	}
	n.Host = h
	return nil
}

func (n *Node) InitPubSub() error {
	ps, err := pubsub.NewGossipSub(n.Ctx, n.Host)
	if err != nil {
		return err
	}
	n.PS = ps
	return nil
}

// Connect dials a full multiaddr ending in /p2p/<peer id>.
func (n *Node) Connect(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return err
	}
	if pi.ID == n.Host.ID() {
		return nil
	}
	return n.Host.Connect(n.Ctx, *pi)
}

// Addrs returns the dialable addresses of this node.
func (n *Node) Addrs() []string {
	out := make([]string, 0, len(n.Host.Addrs()))
	for _, a := range n.Host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.Host.ID()))
	}
	return out
}

func (n *Node) Close() error {
	return n.Host.Close()
}
