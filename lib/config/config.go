/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


// Package config loads and validates the homeserver's single TOML
// configuration file into a Config struct, in the teacher's
// validate-and-default-in-place convention (lib/jwt.Config.CheckAndSetDefaults):
// callers populate what they have, then call CheckAndSetDefaults to fill
// in the rest and reject anything inconsistent.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"

	"github.com/pubky/pubky-homeserver/lib/ratelimit"
)

// StorageBackend selects which blobstore.Backend implementation backs
// blob content (§3 "Blob", SPEC_FULL.md DOMAIN STACK).
type StorageBackend string

const (
	StorageEmbedded   StorageBackend = "embedded"
	StorageFilesystem StorageBackend = "filesystem"
	StorageGoogleBucket StorageBackend = "google-bucket"
)

// StorageConfig is the `[storage]` section.
type StorageConfig struct {
	Backend StorageBackend `toml:"backend"`

	// FilesystemRoot is required when Backend is "filesystem".
	FilesystemRoot string `toml:"filesystem_root"`

	// GoogleBucketName is required when Backend is "google-bucket".
	GoogleBucketName string `toml:"google_bucket_name"`
}

func (s *StorageConfig) checkAndSetDefaults() error {
	if s.Backend == "" {
		s.Backend = StorageEmbedded
	}
	switch s.Backend {
	case StorageEmbedded:
	case StorageFilesystem:
		if s.FilesystemRoot == "" {
			return trace.BadParameter("storage.filesystem_root is required when storage.backend is %q", StorageFilesystem)
		}
	case StorageGoogleBucket:
		if s.GoogleBucketName == "" {
			return trace.BadParameter("storage.google_bucket_name is required when storage.backend is %q", StorageGoogleBucket)
		}
	default:
		return trace.BadParameter("unknown storage.backend %q", s.Backend)
	}
	return nil
}

// QuotaConfig is the `[quota]` section (§4.5).
type QuotaConfig struct {
	// PerUserMegabytes is the per-account quota; 0 disables enforcement.
	PerUserMegabytes int64 `toml:"per_user_megabytes"`

	// EntryOverheadBytes is the fixed per-entry accounting overhead
	// (§4.5's example value, OPEN QUESTIONS: 256).
	EntryOverheadBytes int64 `toml:"entry_overhead_bytes"`
}

func (q *QuotaConfig) checkAndSetDefaults() error {
	if q.EntryOverheadBytes == 0 {
		q.EntryOverheadBytes = 256
	}
	if q.EntryOverheadBytes < 0 {
		return trace.BadParameter("quota.entry_overhead_bytes must not be negative")
	}
	if q.PerUserMegabytes < 0 {
		return trace.BadParameter("quota.per_user_megabytes must not be negative")
	}
	return nil
}

// QuotaBytes returns the configured quota in bytes, or 0 if disabled.
func (q QuotaConfig) QuotaBytes() int64 {
	return q.PerUserMegabytes * 1024 * 1024
}

// SignupConfig is the `[signup]` section.
type SignupConfig struct {
	// Mode is "open" or "token-required" (session.SignupMode).
	Mode string `toml:"mode"`
}

func (s *SignupConfig) checkAndSetDefaults() error {
	if s.Mode == "" {
		s.Mode = "open"
	}
	if s.Mode != "open" && s.Mode != "token-required" {
		return trace.BadParameter("signup.mode must be %q or %q, got %q", "open", "token-required", s.Mode)
	}
	return nil
}

// AdminConfig is the `[admin]` section.
type AdminConfig struct {
	// PasswordHash is a bcrypt hash of the admin password. It is parsed
	// but read by no handler; the server has no admin surface.
	PasswordHash string `toml:"password_hash"`
}

// RateLimitsConfig is the `[rate_limits]` section: a list of
// ratelimit.Rule, loaded verbatim since Rule's fields are already
// TOML-friendly scalars and slices.
type RateLimitsConfig struct {
	Rules []ratelimit.Rule `toml:"rules"`
}

// EventStreamConfig is the `[event_stream]` section (§4.8, §6).
type EventStreamConfig struct {
	// MaxUsers is parsed and defaults to 50, but the event-stream handler
	// does not read it: the `user=` limit per request is the fixed
	// eventstream.MaxUsers constant (50).
	MaxUsers int `toml:"max_users"`
}

func (e *EventStreamConfig) checkAndSetDefaults() error {
	if e.MaxUsers == 0 {
		e.MaxUsers = 50
	}
	if e.MaxUsers < 0 {
		return trace.BadParameter("event_stream.max_users must not be negative")
	}
	return nil
}

// ListingConfig is the `[listing]` section (§4.4 "Listing").
type ListingConfig struct {
	DefaultLimit int `toml:"default_limit"`
	MaxLimit     int `toml:"max_limit"`
}

func (l *ListingConfig) checkAndSetDefaults() error {
	if l.DefaultLimit == 0 {
		l.DefaultLimit = 100
	}
	if l.MaxLimit == 0 {
		l.MaxLimit = 1000
	}
	if l.DefaultLimit < 0 || l.MaxLimit < 0 {
		return trace.BadParameter("listing limits must not be negative")
	}
	if l.DefaultLimit > l.MaxLimit {
		return trace.BadParameter("listing.default_limit (%d) must not exceed listing.max_limit (%d)", l.DefaultLimit, l.MaxLimit)
	}
	return nil
}

// DHTConfig is the `[dht]` section (§4.2 "publish_homeserver").
type DHTConfig struct {
	// GatewayURL is the pkdns.NewHTTPClient base URL. Empty disables DHT
	// record publication entirely (signup/signin skip that step).
	GatewayURL string `toml:"gateway_url"`

	// StalenessSeconds is the republish staleness window (pkdns.Publisher).
	StalenessSeconds int64 `toml:"staleness_seconds"`

	// MaxBackoffSeconds caps pkdns.Publisher's bounded exponential retry.
	MaxBackoffSeconds int64 `toml:"max_backoff_seconds"`
}

func (d *DHTConfig) checkAndSetDefaults() error {
	if d.StalenessSeconds == 0 {
		d.StalenessSeconds = 3600
	}
	if d.MaxBackoffSeconds == 0 {
		d.MaxBackoffSeconds = 30
	}
	if d.StalenessSeconds < 0 || d.MaxBackoffSeconds < 0 {
		return trace.BadParameter("dht staleness/backoff windows must not be negative")
	}
	return nil
}

func (d DHTConfig) Staleness() time.Duration {
	return time.Duration(d.StalenessSeconds) * time.Second
}

func (d DHTConfig) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffSeconds) * time.Second
}

// AuthConfig is the `[auth]` section (OPEN QUESTIONS: replay window).
type AuthConfig struct {
	// ReplayWindowSeconds bounds how long a verified AuthToken's nonce is
	// remembered by the replay cache (§9, decided at 60s).
	ReplayWindowSeconds int64 `toml:"replay_window_seconds"`
}

func (a *AuthConfig) checkAndSetDefaults() error {
	if a.ReplayWindowSeconds == 0 {
		a.ReplayWindowSeconds = 60
	}
	if a.ReplayWindowSeconds < 0 {
		return trace.BadParameter("auth.replay_window_seconds must not be negative")
	}
	return nil
}

func (a AuthConfig) ReplayWindow() time.Duration {
	return time.Duration(a.ReplayWindowSeconds) * time.Second
}

// Config is the root of the homeserver's TOML configuration file.
type Config struct {
	Storage     StorageConfig     `toml:"storage"`
	Quota       QuotaConfig       `toml:"quota"`
	Signup      SignupConfig      `toml:"signup"`
	Admin       AdminConfig       `toml:"admin"`
	RateLimits  RateLimitsConfig  `toml:"rate_limits"`
	EventStream EventStreamConfig `toml:"event_stream"`
	Listing     ListingConfig     `toml:"listing"`
	DHT         DHTConfig         `toml:"dht"`
	Auth        AuthConfig        `toml:"auth"`
}

// CheckAndSetDefaults validates every section of c and fills in defaults,
// matching the teacher's per-struct CheckAndSetDefaults convention
// (lib/jwt.Config.CheckAndSetDefaults).
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Storage.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Quota.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Signup.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.EventStream.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Listing.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.DHT.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Auth.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Load reads and parses the TOML file at path into a validated Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %q", path)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config file %q", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
