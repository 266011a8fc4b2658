// Package config holds the options consumed by clients, servers, publishers
// and subscribers, with TOML loading and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-logr/logr"

	"looprpc/logging"
	"looprpc/transport"
)

// Role selects the engine an endpoint runs.
type Role string

const (
	RoleServerClient Role = "server_client"
	RoleBroadcast    Role = "broadcast"
)

// PerfMode chooses high-water marks and socket buffer defaults.
type PerfMode string

const (
	LowLatency     PerfMode = "low_latency"
	Balanced       PerfMode = "balanced"
	HighThroughput PerfMode = "high_throughput"
)

// Preset is the set of defaults a PerfMode implies.
type Preset struct {
	HWM    int
	SndBuf int
	RcvBuf int
}

var presets = map[PerfMode]Preset{
	LowLatency:     {HWM: 100, SndBuf: 64 << 10, RcvBuf: 64 << 10},
	Balanced:       {HWM: 1000, SndBuf: 256 << 10, RcvBuf: 256 << 10},
	HighThroughput: {HWM: 10000, SndBuf: 1 << 20, RcvBuf: 1 << 20},
}

// PresetFor returns the defaults of mode.
func PresetFor(mode PerfMode) (Preset, bool) {
	p, ok := presets[mode]
	return p, ok
}

const (
	DefaultMaxConcurrent   = 65536
	DefaultMsgIDOffset     = 1
	DefaultKeepAliveIdle   = 60 // seconds
	DefaultKeepAliveCnt    = 5
	DefaultKeepAliveIntvl  = 10 // seconds
	DefaultReconnectIvl    = 100
	DefaultReconnectIvlMax = 10000
	DefaultLinger          = 1000
)

// KeepAliveConfig passes TCP keepalive settings through to sockets.
type KeepAliveConfig struct {
	Enabled bool `toml:"enabled"`
	Idle    int  `toml:"idle"`  // seconds
	Cnt     int  `toml:"cnt"`   // probes
	Intvl   int  `toml:"intvl"` // seconds
}

// Config is the complete option set of an endpoint. Durations are in
// milliseconds as they are in the TOML file.
type Config struct {
	Address   string   `toml:"address"`
	Role      Role     `toml:"role"`
	Transport string   `toml:"transport"` // scheme prepended to an address without one
	PerfMode  PerfMode `toml:"perf_mode"`
	PoolSize  int      `toml:"pool_size"` // reserved

	MaxConcurrent int `toml:"max_concurrent"`
	// MaxPendingCallbacks is the historical name of MaxConcurrent.
	MaxPendingCallbacks int     `toml:"max_pending_callbacks"`
	TimeoutMs           int     `toml:"timeout_ms"`
	Retries             int     `toml:"retries"`
	MsgIDOffset         *uint32 `toml:"msgid_offset"`

	SndHWM       int             `toml:"sndhwm"`
	RcvHWM       int             `toml:"rcvhwm"`
	TCPSndBuf    int             `toml:"tcp_sndbuf"`
	TCPRcvBuf    int             `toml:"tcp_rcvbuf"`
	TCPKeepAlive KeepAliveConfig `toml:"tcp_keepalive"`

	ReconnectIvl    int  `toml:"reconnect_ivl"`
	ReconnectIvlMax int  `toml:"reconnect_ivl_max"`
	Linger          *int `toml:"linger"` // -1 for the transport default

	MTU      int    `toml:"mtu"` // datagram payload bound
	LogLevel string `toml:"log_level"`
}

// New returns a config for address with every default filled in.
func New(address string) *Config {
	cfg := &Config{Address: address}
	cfg.Validate()
	return cfg
}

// Load reads a TOML config file.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config and fills unset options with defaults. It is
// idempotent; engines call it on the config they are given.
func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("address required")
	}
	if cfg.Transport != "" {
		if !strings.Contains(cfg.Address, "://") {
			cfg.Address = cfg.Transport + "://" + cfg.Address
		} else if !strings.HasPrefix(cfg.Address, cfg.Transport+"://") {
			return fmt.Errorf("transport %q conflicts with address %q", cfg.Transport, cfg.Address)
		}
	}
	if _, err := transport.ParseAddr(cfg.Address); err != nil {
		return err
	}

	switch cfg.Role {
	case "":
		cfg.Role = RoleServerClient
	case RoleServerClient, RoleBroadcast:
	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}

	if cfg.PerfMode == "" {
		cfg.PerfMode = Balanced
	}
	preset, ok := PresetFor(cfg.PerfMode)
	if !ok {
		return fmt.Errorf("unknown perf_mode %q", cfg.PerfMode)
	}

	if cfg.MaxConcurrent < 0 || cfg.MaxPendingCallbacks < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = cfg.MaxPendingCallbacks
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	cfg.MaxPendingCallbacks = cfg.MaxConcurrent

	if cfg.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if cfg.MsgIDOffset == nil {
		offset := uint32(DefaultMsgIDOffset)
		cfg.MsgIDOffset = &offset
	}

	if cfg.SndHWM == 0 {
		cfg.SndHWM = preset.HWM
	}
	if cfg.RcvHWM == 0 {
		cfg.RcvHWM = preset.HWM
	}
	if cfg.TCPSndBuf == 0 {
		cfg.TCPSndBuf = preset.SndBuf
	}
	if cfg.TCPRcvBuf == 0 {
		cfg.TCPRcvBuf = preset.RcvBuf
	}

	if cfg.TCPKeepAlive.Idle == 0 {
		cfg.TCPKeepAlive.Idle = DefaultKeepAliveIdle
	}
	if cfg.TCPKeepAlive.Cnt == 0 {
		cfg.TCPKeepAlive.Cnt = DefaultKeepAliveCnt
	}
	if cfg.TCPKeepAlive.Intvl == 0 {
		cfg.TCPKeepAlive.Intvl = DefaultKeepAliveIntvl
	}

	if cfg.ReconnectIvl == 0 {
		cfg.ReconnectIvl = DefaultReconnectIvl
	}
	if cfg.ReconnectIvlMax == 0 {
		cfg.ReconnectIvlMax = DefaultReconnectIvlMax
	}
	if cfg.ReconnectIvlMax < cfg.ReconnectIvl {
		return fmt.Errorf("reconnect_ivl_max %d below reconnect_ivl %d", cfg.ReconnectIvlMax, cfg.ReconnectIvl)
	}
	if cfg.Linger == nil {
		linger := DefaultLinger
		cfg.Linger = &linger
	}
	if cfg.MTU == 0 {
		cfg.MTU = transport.DefaultMTU
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// Timeout is the default per-call deadline; zero disables it.
func (cfg *Config) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// MsgIDStart is the first correlation id a client allocates.
func (cfg *Config) MsgIDStart() uint32 {
	if cfg.MsgIDOffset == nil {
		return DefaultMsgIDOffset
	}
	return *cfg.MsgIDOffset
}

// TransportOptions converts the socket options for the transport factory.
func (cfg *Config) TransportOptions(log logr.Logger) transport.Options {
	opts := transport.Options{
		SndHWM:          cfg.SndHWM,
		RcvHWM:          cfg.RcvHWM,
		SndBuf:          cfg.TCPSndBuf,
		RcvBuf:          cfg.TCPRcvBuf,
		TCPKeepAlive:    cfg.TCPKeepAlive.Enabled,
		KeepAliveIdle:   time.Duration(cfg.TCPKeepAlive.Idle) * time.Second,
		KeepAliveCnt:    cfg.TCPKeepAlive.Cnt,
		KeepAliveIntv:   time.Duration(cfg.TCPKeepAlive.Intvl) * time.Second,
		ReconnectIvl:    time.Duration(cfg.ReconnectIvl) * time.Millisecond,
		ReconnectIvlMax: time.Duration(cfg.ReconnectIvlMax) * time.Millisecond,
		MTU:             cfg.MTU,
		Logger:          log,
	}
	if cfg.Linger != nil {
		switch linger := *cfg.Linger; {
		case linger < 0:
			// transport default
		case linger == 0:
			opts.Linger = -1
		default:
			opts.Linger = time.Duration(linger) * time.Millisecond
		}
	}
	return opts
}
