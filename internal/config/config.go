package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/parley-chat/parley/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Relay    Relay    `json:"relay"`
	ICE      ICE      `json:"ice"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Store    Store    `json:"store"`
}

type Identity struct {
	KeyFile  string `json:"key_file"`
	Nickname string `json:"nickname"`
}

type P2P struct {
	ListenPort int      `json:"listen_port"`
	Bootstrap  []string `json:"bootstrap"`
}

// Relay selects the hosted websocket relay instead of the libp2p mesh
// when WSURL is set.
type Relay struct {
	WSURL string `json:"ws_url"`
}

type ICE struct {
	// Servers are STUN/TURN URLs handed to every peer connection.
	Servers []string `json:"servers"`
}

type Call struct {
	StatsIntervalSec   int `json:"stats_interval_seconds"`
	PathProbeDelaySec  int `json:"path_probe_delay_seconds"`
	DisconnectGraceSec int `json:"disconnect_grace_seconds"`
	ReconnectDelaySec  int `json:"reconnect_delay_seconds"`
	ReconnectAttempts  int `json:"reconnect_attempts"`
}

type Media struct {
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	VideoBitRate int `json:"video_bitrate"`
}

type Store struct {
	// DBPath is the presence database directory. Empty disables the
	// participant table (presence is then display-only in-memory).
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			StatsIntervalSec:   5,
			PathProbeDelaySec:  1,
			DisconnectGraceSec: 5,
			ReconnectDelaySec:  2,
			ReconnectAttempts:  1,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Store: Store{
			DBPath: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if rw := strings.TrimSpace(c.Relay.WSURL); rw != "" {
		u, err := url.Parse(rw)
		if err != nil {
			return fmt.Errorf("relay.ws_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("relay.ws_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("relay.ws_url missing host")
		}
	}
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one STUN/TURN url")
	}
	if c.Call.StatsIntervalSec <= 0 {
		return errors.New("call.stats_interval_seconds must be > 0")
	}
	if c.Call.PathProbeDelaySec < 0 {
		return errors.New("call.path_probe_delay_seconds must be >= 0")
	}
	if c.Call.DisconnectGraceSec <= 0 {
		return errors.New("call.disconnect_grace_seconds must be > 0")
	}
	if c.Call.ReconnectDelaySec < 0 {
		return errors.New("call.reconnect_delay_seconds must be >= 0")
	}
	if c.Call.ReconnectAttempts < 0 {
		return errors.New("call.reconnect_attempts must be >= 0")
	}
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.VideoBitRate < 0 {
		return errors.New("media values must be >= 0")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
