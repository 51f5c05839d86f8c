// Package config loads optional local-development overrides from a
// pywatt.toml file. The orchestrator-supplied InitBlob is always
// authoritative; this file only fills settings the InitBlob does not carry
// (channel preferences, SLA targets, routing knobs) when a developer runs a
// module outside an orchestrator.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pywatt/pywatt-sdk-go/metrics"
	"github.com/pywatt/pywatt-sdk-go/transport"
)

// DefaultPath is where Load looks when no explicit path is given.
const DefaultPath = "pywatt.toml"

// Channels mirrors transport.Preferences in TOML form.
type Channels struct {
	UseTCP             *bool `toml:"use_tcp"`
	UseIPC             *bool `toml:"use_ipc"`
	PreferIPCForLocal  *bool `toml:"prefer_ipc_for_local"`
	PreferTCPForRemote *bool `toml:"prefer_tcp_for_remote"`
	EnableFallback     *bool `toml:"enable_fallback"`
}

// SLA mirrors metrics.SLAConfig in TOML form.
type SLA struct {
	TargetAvailability *float64 `toml:"target_availability"`
	MaxLatencyMS       *int     `toml:"max_latency_ms"`
	TargetThroughput   *float64 `toml:"target_throughput"`
	MaxErrorRate       *float64 `toml:"max_error_rate"`
}

// Routing holds the router's tunables.
type Routing struct {
	CacheTTLMS    *int     `toml:"cache_ttl_ms"`
	LearningRate  *float64 `toml:"learning_rate"`
	LoadBalancing *bool    `toml:"load_balancing"`
}

// File is the full optional override set.
type File struct {
	Channels Channels `toml:"channels"`
	SLA      SLA      `toml:"sla"`
	Routing  Routing  `toml:"routing"`
}

// Load reads path (DefaultPath when empty). A missing file is not an
// error: it returns an empty File whose Apply* methods change nothing.
func Load(path string) (*File, error) {
	if path == "" {
		path = DefaultPath
	}
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &File{}, nil
		}
		return nil, err
	}
	return &f, nil
}

// ApplyPreferences overlays the file's channel settings onto prefs.
func (f *File) ApplyPreferences(prefs transport.Preferences) transport.Preferences {
	if f.Channels.UseTCP != nil {
		prefs.UseTCP = *f.Channels.UseTCP
	}
	if f.Channels.UseIPC != nil {
		prefs.UseIPC = *f.Channels.UseIPC
	}
	if f.Channels.PreferIPCForLocal != nil {
		prefs.PreferIPCForLocal = *f.Channels.PreferIPCForLocal
	}
	if f.Channels.PreferTCPForRemote != nil {
		prefs.PreferTCPForRemote = *f.Channels.PreferTCPForRemote
	}
	if f.Channels.EnableFallback != nil {
		prefs.EnableFallback = *f.Channels.EnableFallback
	}
	return prefs
}

// ApplySLA overlays the file's SLA targets onto cfg.
func (f *File) ApplySLA(cfg metrics.SLAConfig) metrics.SLAConfig {
	if f.SLA.TargetAvailability != nil {
		cfg.TargetAvailability = *f.SLA.TargetAvailability
	}
	if f.SLA.MaxLatencyMS != nil {
		cfg.MaxLatency = time.Duration(*f.SLA.MaxLatencyMS) * time.Millisecond
	}
	if f.SLA.TargetThroughput != nil {
		cfg.TargetThroughput = *f.SLA.TargetThroughput
	}
	if f.SLA.MaxErrorRate != nil {
		cfg.MaxErrorRate = *f.SLA.MaxErrorRate
	}
	return cfg
}
