// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/transport"
)

var (
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
	configPath = flag.String("config", "config.json", "Path to config file")
	room       = flag.String("room", "", "Room slug to join")
	withVideo  = flag.Bool("video", false, "Join with camera video")
	nick       = flag.String("nick", "", "Nickname (overrides config)")
	wsURL      = flag.String("ws", "", "Websocket relay URL (overrides config; empty uses the p2p mesh)")
	synthetic  = flag.Bool("synthetic", false, "Use synthetic media tracks instead of capture hardware")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Parley v%s\n", appVersion)
		return
	}
	if *showHelp || *room == "" {
		showUsage()
		if *room == "" && !*showHelp {
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		log.Fatalf("parley: %v", err)
	}
}

func showUsage() {
	fmt.Println("Parley - mesh voice/video calls for small groups")
	fmt.Println()
	fmt.Println("Usage: parley -room <slug> [options]")
	fmt.Println()
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("In-call keys: m mute, d deafen, v video, s screen share, p peers, i diagnostics, q quit")
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, created, err := config.Ensure(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if created {
		log.Printf("MAIN: created default config at %s", *configPath)
	}
	if *nick != "" {
		cfg.Identity.Nickname = *nick
	}
	if *wsURL != "" {
		cfg.Relay.WSURL = *wsURL
	}

	// Live edits take effect on the next join; the current call keeps
	// the settings it started with.
	if err := config.Watch(ctx, *configPath, func(config.Config) {
		log.Printf("MAIN: config changed; applies to the next join")
	}); err != nil {
		log.Printf("MAIN: config watch disabled: %v", err)
	}

	var store call.PresenceStore
	var sqlStore *presence.SQLite
	if cfg.Store.DBPath != "" {
		sqlStore, err = presence.OpenSQLite(cfg.Store.DBPath)
		if err != nil {
			return fmt.Errorf("presence store: %w", err)
		}
		defer sqlStore.Close()
		if _, err := sqlStore.EnsureRoom(ctx, *room, *room); err != nil {
			log.Printf("MAIN: ensure room: %v", err)
		}
		store = sqlStore
	}

	var source media.Source
	if *synthetic {
		source = media.NewStaticSource()
	} else {
		source, err = media.NewManager(media.Options{
			VideoBitRate: cfg.Media.VideoBitRate,
			MaxWidth:     cfg.Media.MaxWidth,
			MaxHeight:    cfg.Media.MaxHeight,
		})
		if err != nil {
			return fmt.Errorf("media: %w", err)
		}
	}

	// Transport: hosted websocket relay when configured, otherwise the
	// libp2p gossip mesh.
	var selfID string
	var opener call.Opener
	if cfg.Relay.WSURL != "" {
		selfID = uuid.NewString()
		relay := cfg.Relay.WSURL
		opener = func(ctx context.Context, room string) (call.Channel, error) {
			return transport.DialWS(ctx, relay, transport.SessionKey(room), selfID)
		}
		log.Printf("MAIN: using websocket relay %s", relay)
	} else {
		node, err := transport.NewNode(ctx, cfg.P2P.ListenPort, cfg.Identity.KeyFile, cfg.P2P.Bootstrap)
		if err != nil {
			return fmt.Errorf("p2p node: %w", err)
		}
		defer node.Close()
		selfID = node.ID()
		opener = func(ctx context.Context, room string) (call.Channel, error) {
			return node.Open(ctx, transport.SessionKey(room), selfID)
		}
		log.Printf("MAIN: p2p node %s", selfID)
	}

	tun := call.Tunables{
		StatsInterval:     secs(cfg.Call.StatsIntervalSec),
		PathProbeDelay:    secs(cfg.Call.PathProbeDelaySec),
		DisconnectGrace:   secs(cfg.Call.DisconnectGraceSec),
		ReconnectDelay:    secs(cfg.Call.ReconnectDelaySec),
		ReconnectAttempts: cfg.Call.ReconnectAttempts,
	}

	nickname := cfg.Identity.Nickname
	if nickname == "" {
		nickname = selfID[:8]
	}

	var video *call.Video
	var session interface {
		Join(context.Context) error
		Leave(context.Context) error
		ToggleMute(context.Context) bool
		ToggleDeafen() bool
		Peers() map[string]call.PeerInfo
		Diagnostics() []string
		Subscribe() chan call.Event
		Unsubscribe(chan call.Event)
	}
	if *withVideo {
		video = call.NewVideo(selfID, nickname, *room, opener, source, store, cfg.ICE.Servers, tun)
		session = video
	} else {
		session = call.NewVoice(selfID, nickname, *room, opener, source, store, cfg.ICE.Servers, tun)
	}

	events := session.Subscribe()
	go func() {
		for e := range events {
			switch e.Type {
			case call.EventState:
				log.Printf("MAIN: session %s", e.State)
			case call.EventPeerJoined:
				log.Printf("MAIN: peer joined: %s", peerLabel(e))
			case call.EventPeerLeft:
				log.Printf("MAIN: peer left: %s", e.PeerID)
			case call.EventPeerUpdated:
				if e.Peer != nil {
					log.Printf("MAIN: peer %s: path=%s quality=%s rtt=%s",
						peerLabel(e), e.Peer.Path, e.Peer.Quality, e.Peer.RTT)
				}
			case call.EventScreenShare:
				log.Printf("MAIN: screen share change: %s", e.PeerID)
			}
		}
	}()

	if err := session.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	keys := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			keys <- strings.TrimSpace(sc.Text())
		}
		close(keys)
	}()

loop:
	for {
		select {
		case <-sig:
			break loop
		case k, ok := <-keys:
			if !ok {
				break loop
			}
			switch k {
			case "m":
				log.Printf("MAIN: muted=%v", session.ToggleMute(ctx))
			case "d":
				log.Printf("MAIN: deafened=%v", session.ToggleDeafen())
			case "v":
				if video == nil {
					log.Printf("MAIN: voice call, no video")
					continue
				}
				off, _ := video.ToggleVideo(ctx)
				log.Printf("MAIN: video_off=%v", off)
			case "s":
				if video == nil {
					log.Printf("MAIN: voice call, no screen share")
					continue
				}
				var err error
				if video.Sharing() {
					err = video.StopScreenShare(ctx)
				} else {
					err = video.StartScreenShare(ctx)
				}
				if err != nil {
					log.Printf("MAIN: screen share: %v", err)
				}
			case "p":
				for id, p := range session.Peers() {
					fmt.Printf("  %s  %-12s path=%-9s quality=%-9s rtt=%s audio=%d video=%d sharing=%v\n",
						id, p.Nickname, p.Path, p.Quality, p.RTT, p.Audio, p.Video, p.Sharing)
				}
			case "i":
				for _, line := range session.Diagnostics() {
					fmt.Println(" ", line)
				}
			case "q":
				break loop
			case "":
			default:
				log.Printf("MAIN: unknown key %q (m/d/v/s/p/i/q)", k)
			}
		}
	}

	session.Unsubscribe(events)
	if err := session.Leave(context.Background()); err != nil {
		log.Printf("MAIN: leave: %v", err)
	}
	return nil
}

func peerLabel(e call.Event) string {
	if e.Peer != nil && e.Peer.Nickname != "" {
		return fmt.Sprintf("%s (%s)", e.Peer.Nickname, e.PeerID)
	}
	return e.PeerID
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
