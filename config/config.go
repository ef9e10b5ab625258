// Package config loads and validates furydcc configuration through viper.
//
// Validation happens once at load time: a bad port range, an unparseable
// address or a malformed auto-accept mask fails Load and never surfaces while
// a transfer is running.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/furydcc/policy"
	"github.com/TFMV/furydcc/ports"
)

const (
	// DefaultTimeout is how long an offer may wait for a decision.
	DefaultTimeout = 5 * time.Minute
	// DefaultConnectTimeout bounds dialing and waiting for the peer to connect.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultChunkSize is the size of one socket/file I/O operation.
	DefaultChunkSize = 64 * 1024
	// DefaultProgressInterval is the minimum spacing of progress events.
	DefaultProgressInterval = 100 * time.Millisecond
	// DefaultAPIPort is the port of the HTTP API.
	DefaultAPIPort = 8080
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the validated configuration of a node.
type Config struct {
	LogLevel     string
	API          API
	Control      Control
	FileTransfer FileTransfer
}

// API configures the HTTP API server and the CLI client that talks to it.
type API struct {
	Port    int
	Address string
}

// Control configures the peer control link used in place of a chat session.
type Control struct {
	Nick     string
	Hostmask string
	Listen   string
	Peers    []string
}

// FileTransfer holds the transfer settings.
type FileTransfer struct {
	// SaveDirectory is the default destination; empty means ask every time.
	SaveDirectory string
	// Passive makes this side the connecting client when it initiates an offer.
	Passive          bool
	Timeout          time.Duration
	ConnectTimeout   time.Duration
	ChunkSize        int
	MaxRate          int64
	ProgressInterval time.Duration
	AutoAccept       *policy.Rules
	// Server is required to act as the listening side of a transfer.
	Server *Server
}

// Server describes where this side listens and what address it advertises.
type Server struct {
	PublicAddress netip.Addr
	BindAddress   netip.Addr
	Ports         ports.Range
}

type rawConfig struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	API struct {
		Port    int    `mapstructure:"port"`
		Address string `mapstructure:"address"`
	} `mapstructure:"api"`
	Control struct {
		Nick     string   `mapstructure:"nick"`
		Hostmask string   `mapstructure:"hostmask"`
		Listen   string   `mapstructure:"listen"`
		Peers    []string `mapstructure:"peers"`
	} `mapstructure:"control"`
	FileTransfer rawFileTransfer `mapstructure:"file_transfer"`
}

type rawFileTransfer struct {
	SaveDirectory    string        `mapstructure:"save_directory"`
	Passive          bool          `mapstructure:"passive"`
	Timeout          int           `mapstructure:"timeout"`
	ConnectTimeout   int           `mapstructure:"connect_timeout"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	MaxRate          int64         `mapstructure:"max_rate"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	AutoAccept       struct {
		Enabled         bool     `mapstructure:"enabled"`
		Nicks           []string `mapstructure:"nicks"`
		Masks           []string `mapstructure:"masks"`
		CaseInsensitive bool     `mapstructure:"case_insensitive"`
	} `mapstructure:"auto_accept"`
	Server *rawServer `mapstructure:"server"`
}

type rawServer struct {
	PublicAddress string `mapstructure:"public_address"`
	BindAddress   string `mapstructure:"bind_address"`
	BindPortFirst int    `mapstructure:"bind_port_first"`
	BindPortLast  int    `mapstructure:"bind_port_last"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("api.port", DefaultAPIPort)
	v.SetDefault("api.address", fmt.Sprintf("http://127.0.0.1:%d", DefaultAPIPort))
	v.SetDefault("control.nick", "furydcc")
	v.SetDefault("file_transfer.passive", true)
	v.SetDefault("file_transfer.timeout", int(DefaultTimeout/time.Second))
	v.SetDefault("file_transfer.connect_timeout", int(DefaultConnectTimeout/time.Second))
	v.SetDefault("file_transfer.chunk_size", DefaultChunkSize)
	v.SetDefault("file_transfer.max_rate", 0)
	v.SetDefault("file_transfer.progress_interval", DefaultProgressInterval)
	v.SetDefault("file_transfer.auto_accept.enabled", false)
	v.SetDefault("file_transfer.auto_accept.case_insensitive", false)
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	ft, err := raw.FileTransfer.validate()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: raw.Log.Level,
		API: API{
			Port:    raw.API.Port,
			Address: strings.TrimRight(raw.API.Address, "/"),
		},
		Control: Control{
			Nick:     raw.Control.Nick,
			Hostmask: raw.Control.Hostmask,
			Listen:   raw.Control.Listen,
			Peers:    raw.Control.Peers,
		},
		FileTransfer: *ft,
	}
	if cfg.Control.Hostmask == "" {
		cfg.Control.Hostmask = cfg.Control.Nick
	}
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return nil, fmt.Errorf("%w: api.port %d out of range", ErrInvalid, cfg.API.Port)
	}

	return cfg, nil
}

func (r rawFileTransfer) validate() (*FileTransfer, error) {
	if r.Timeout <= 0 {
		return nil, fmt.Errorf("%w: file_transfer.timeout must be positive", ErrInvalid)
	}
	if r.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("%w: file_transfer.connect_timeout must be positive", ErrInvalid)
	}
	if r.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: file_transfer.chunk_size must be positive", ErrInvalid)
	}
	if r.MaxRate < 0 {
		return nil, fmt.Errorf("%w: file_transfer.max_rate must not be negative", ErrInvalid)
	}

	saveDir, err := expandHome(r.SaveDirectory)
	if err != nil {
		return nil, err
	}

	rules, err := policy.Compile(
		r.AutoAccept.Enabled,
		r.AutoAccept.Nicks,
		r.AutoAccept.Masks,
		r.AutoAccept.CaseInsensitive,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	ft := &FileTransfer{
		SaveDirectory:    saveDir,
		Passive:          r.Passive,
		Timeout:          time.Duration(r.Timeout) * time.Second,
		ConnectTimeout:   time.Duration(r.ConnectTimeout) * time.Second,
		ChunkSize:        r.ChunkSize,
		MaxRate:          r.MaxRate,
		ProgressInterval: r.ProgressInterval,
		AutoAccept:       rules,
	}

	if r.Server != nil {
		server, err := r.Server.validate()
		if err != nil {
			return nil, err
		}
		ft.Server = server
	}

	return ft, nil
}

func (r rawServer) validate() (*Server, error) {
	public, err := netip.ParseAddr(r.PublicAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: file_transfer.server.public_address: %v", ErrInvalid, err)
	}
	bind, err := netip.ParseAddr(r.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: file_transfer.server.bind_address: %v", ErrInvalid, err)
	}
	rng, err := ports.NewRange(r.BindPortFirst, r.BindPortLast)
	if err != nil {
		return nil, fmt.Errorf("%w: file_transfer.server: %v", ErrInvalid, err)
	}

	return &Server{
		PublicAddress: public.Unmap(),
		BindAddress:   bind.Unmap(),
		Ports:         rng,
	}, nil
}

func expandHome(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Clean(dir), nil
}
