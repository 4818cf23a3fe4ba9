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


package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckAndSetDefaultsFillsDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.CheckAndSetDefaults())

	require.Equal(t, StorageEmbedded, c.Storage.Backend)
	require.Equal(t, int64(256), c.Quota.EntryOverheadBytes)
	require.Equal(t, "open", c.Signup.Mode)
	require.Equal(t, 50, c.EventStream.MaxUsers)
	require.Equal(t, 100, c.Listing.DefaultLimit)
	require.Equal(t, 1000, c.Listing.MaxLimit)
	require.Equal(t, int64(3600), c.DHT.StalenessSeconds)
	require.Equal(t, int64(60), c.Auth.ReplayWindowSeconds)
}

func TestCheckAndSetDefaultsRejectsInvalidStorageBackend(t *testing.T) {
	c := Config{Storage: StorageConfig{Backend: "nonsense"}}
	require.Error(t, c.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRequiresFilesystemRoot(t *testing.T) {
	c := Config{Storage: StorageConfig{Backend: StorageFilesystem}}
	require.Error(t, c.CheckAndSetDefaults())

	c.Storage.FilesystemRoot = "/tmp/blobs"
	require.NoError(t, c.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRejectsInvalidSignupMode(t *testing.T) {
	c := Config{Signup: SignupConfig{Mode: "whatever"}}
	require.Error(t, c.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRejectsListingDefaultAboveMax(t *testing.T) {
	c := Config{Listing: ListingConfig{DefaultLimit: 2000, MaxLimit: 1000}}
	require.Error(t, c.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsLeavesGatewayURLEmptyByDefault(t *testing.T) {
	var c Config
	require.NoError(t, c.CheckAndSetDefaults())
	require.Empty(t, c.DHT.GatewayURL)
	require.Equal(t, int64(30), c.DHT.MaxBackoffSeconds)
}

func TestLoadParsesDHTGatewayURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[dht]
gateway_url = "https://relay.example.com"
staleness_seconds = 120
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://relay.example.com", cfg.DHT.GatewayURL)
	require.Equal(t, int64(120), cfg.DHT.StalenessSeconds)
}

func TestQuotaBytesConvertsMegabytes(t *testing.T) {
	q := QuotaConfig{PerUserMegabytes: 10}
	require.Equal(t, int64(10*1024*1024), q.QuotaBytes())
}

func TestLoadParsesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[storage]
backend = "filesystem"
filesystem_root = "/var/lib/pubky/blobs"

[quota]
per_user_megabytes = 500

[signup]
mode = "token-required"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, StorageFilesystem, cfg.Storage.Backend)
	require.Equal(t, "/var/lib/pubky/blobs", cfg.Storage.FilesystemRoot)
	require.Equal(t, int64(500), cfg.Quota.PerUserMegabytes)
	require.Equal(t, "token-required", cfg.Signup.Mode)
	// Defaults still applied for untouched sections.
	require.Equal(t, int64(256), cfg.Quota.EntryOverheadBytes)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	require.Error(t, err)
}
