package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/parley-chat/parley/internal/proto"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

const mdnsTag = "parley-mdns"

// Node is a libp2p host carrying a GossipSub router. One Node serves
// any number of concurrently open call channels.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
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
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("TRANSPORT: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}

// NewNode starts a libp2p host listening on the given TCP port (0 for
// ephemeral), with mDNS discovery for LAN peers and optional static
// bootstrap addresses for everything else.
func NewNode(ctx context.Context, listenPort int, keyFile string, bootstrap []string) (*Node, error) {
	priv, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
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

	for _, s := range bootstrap {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("TRANSPORT: invalid bootstrap addr %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("TRANSPORT: bootstrap addr %q has no peer id: %v", s, err)
			continue
		}
		go func(pi peer.AddrInfo) {
			cctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			if err := h.Connect(cctx, pi); err != nil {
				log.Printf("TRANSPORT: bootstrap connect %s: %v", pi.ID, err)
			}
		}(*pi)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Printf("TRANSPORT: node up, peer id %s", h.ID())
	return &Node{Host: h, ps: ps}, nil
}

// ID returns the node's peer identity, used as the participant identity
// on channels opened from this node.
func (n *Node) ID() string { return n.Host.ID().String() }

func (n *Node) Close() error { return n.Host.Close() }

// Open joins the session's topic and subscribes. It returns only after
// the subscription is live; callers may broadcast immediately.
func (n *Node) Open(ctx context.Context, sessionKey, selfID string) (*PubSubChannel, error) {
	topic, err := n.ps.Join(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: join %s: %v", ErrSubscribe, sessionKey, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrSubscribe, sessionKey, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := &PubSubChannel{
		selfID: selfID,
		topic:  topic,
		sub:    sub,
		recv:   make(chan *proto.Message, receiveBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go ch.readLoop()
	return ch, nil
}

// PubSubChannel is a Channel over one GossipSub topic.
type PubSubChannel struct {
	selfID string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	recv   chan *proto.Message
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (c *PubSubChannel) Send(msg *proto.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.topic.Publish(c.ctx, b)
}

func (c *PubSubChannel) Receive() <-chan *proto.Message { return c.recv }

// Close cancels the subscription and leaves the topic. Idempotent.
func (c *PubSubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.sub.Cancel()
	return c.topic.Close()
}

func (c *PubSubChannel) readLoop() {
	defer close(c.recv)
	for {
		m, err := c.sub.Next(c.ctx)
		if err != nil {
			return
		}
		var msg proto.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			continue
		}
		if msg.Validate() != nil || !msg.Accepts(c.selfID) {
			continue
		}
		select {
		case c.recv <- &msg:
		default:
			// Receiver lagging; the relay offers no delivery guarantee anyway.
		}
	}
}
