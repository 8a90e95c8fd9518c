// Package node implements component C12: the orchestrator that owns
// every live Session and Transfer, dispatches inbound datagrams by
// CID, and exposes the small control API described in §6. It plays
// the same role client2's daemon-level Client/Session pairing plays in
// the teacher: one long-lived object that spawns per-connection
// workers and answers to a handful of control calls.
package node

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/doublegate/wraith-core/crypto/ratchet"
	"github.com/doublegate/wraith-core/obfuscation"
	"github.com/doublegate/wraith-core/session"
	"github.com/doublegate/wraith-core/transfer"
)

// Config enumerates every recognized configuration key from §6, loaded
// from a TOML file the way the teacher's daemon loads its own
// configuration (grounded on the teacher's go.mod carrying
// github.com/BurntSushi/toml as its config-file format of choice).
type Config struct {
	ChunkSize             int64  `toml:"chunk_size"`
	MaxConcurrentTransfers int   `toml:"max_concurrent_transfers"`
	RekeyAfterBytes       uint64 `toml:"rekey_after_bytes"`
	RekeyAfterMessages    uint64 `toml:"rekey_after_messages"`
	RekeyAfterSeconds     int    `toml:"rekey_after_seconds"`
	ReplayWindow          int    `toml:"replay_window"`
	PaddingStrategy       string `toml:"padding_strategy"`
	TimingDistribution    string `toml:"timing_distribution"`
	MimicryMode           string `toml:"mimicry_mode"`
	ThreatLevel           string `toml:"threat_level"`
	BindAddress           string `toml:"bind_address"`
	DownloadDir           string `toml:"download_dir"`
}

// DefaultChunkSize is the §6 default (1 MiB).
const DefaultChunkSize = 1 << 20

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:              DefaultChunkSize,
		MaxConcurrentTransfers: 4,
		RekeyAfterBytes:        ratchet.DefaultRekeyAfterBytes,
		RekeyAfterMessages:     ratchet.DefaultRekeyAfterMessages,
		RekeyAfterSeconds:      ratchet.DefaultRekeyAfterSeconds,
		ReplayWindow:           1024,
		PaddingStrategy:        "None",
		TimingDistribution:     "None",
		MimicryMode:            "None",
		ThreatLevel:            "Low",
		BindAddress:            "0.0.0.0:0",
		DownloadDir:            ".",
	}
}

// LoadConfig reads and parses a TOML configuration file, filling any
// keys the file doesn't set from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var errUnknownThreatLevel = errors.New("node: unrecognized threat_level")
var errUnknownMimicryMode = errors.New("node: unrecognized mimicry_mode")

func parseThreatLevel(s string) (obfuscation.ThreatLevel, error) {
	switch s {
	case "Low", "":
		return obfuscation.ThreatLow, nil
	case "Medium":
		return obfuscation.ThreatMedium, nil
	case "High":
		return obfuscation.ThreatHigh, nil
	default:
		return 0, errUnknownThreatLevel
	}
}

func parseMimicryMode(s string) (obfuscation.MimicryMode, error) {
	switch s {
	case "None", "":
		return obfuscation.MimicryNone, nil
	case "TLS":
		return obfuscation.MimicryTLS, nil
	case "WebSocket":
		return obfuscation.MimicryWebSocket, nil
	case "DoH":
		return obfuscation.MimicryDoH, nil
	default:
		return 0, errUnknownMimicryMode
	}
}

// obfuscationProfile resolves a Config into a concrete obfuscation
// profile: threat_level picks the baseline, mimicry_mode overrides it
// explicitly if set to something other than the baseline's choice.
func (c Config) obfuscationProfile() (obfuscation.Profile, error) {
	level, err := parseThreatLevel(c.ThreatLevel)
	if err != nil {
		return obfuscation.Profile{}, err
	}
	profile := obfuscation.FromThreatLevel(level)

	if c.MimicryMode != "" {
		mode, err := parseMimicryMode(c.MimicryMode)
		if err != nil {
			return obfuscation.Profile{}, err
		}
		profile.Mimicry = mode
	}
	return profile, nil
}

// sessionConfig derives a session.Config from the node configuration.
func (c Config) sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Ratchet = ratchet.Config{
		RekeyAfterSeconds:  c.RekeyAfterSeconds,
		RekeyAfterMessages: c.RekeyAfterMessages,
		RekeyAfterBytes:    c.RekeyAfterBytes,
	}
	return cfg
}

// defaultReassignTimeout mirrors §4.10's max(3*RTT, 1s) policy default
// used before any RTT sample exists.
const defaultReassignTimeout = 1 * time.Second

// transferPolicy resolves the configured coordinator assignment policy.
// Only fastest-first is configurable here; round-robin is available
// directly via transfer.NewCoordinator. transfer.PolicyRarityFirst
// exists but selects peers the same way as fastest-first.
func (c Config) transferPolicy() transfer.Policy {
	return transfer.PolicyFastestFirst
}
