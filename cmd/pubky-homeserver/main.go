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


// Command pubky-homeserver wires the components of §2 into a running
// server: it is a thin entrypoint in the spirit of the teacher's
// tool/teleport/common configurator, no logic of its own beyond loading
// configuration and constructing the dependency graph.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pubky/pubky-homeserver/lib/backend"
	"github.com/pubky/pubky-homeserver/lib/blobstore"
	"github.com/pubky/pubky-homeserver/lib/config"
	"github.com/pubky/pubky-homeserver/lib/cryptoutil"
	"github.com/pubky/pubky-homeserver/lib/eventstream"
	"github.com/pubky/pubky-homeserver/lib/pkdns"
	"github.com/pubky/pubky-homeserver/lib/ratelimit"
	"github.com/pubky/pubky-homeserver/lib/session"
	"github.com/pubky/pubky-homeserver/lib/storage"
	"github.com/pubky/pubky-homeserver/lib/web"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "pubky-homeserver"})

func main() {
	var configPath, listenAddr, dataDir string
	flag.StringVar(&configPath, "config", "/etc/pubky-homeserver/config.toml", "path to the TOML configuration file")
	flag.StringVar(&listenAddr, "listen", ":6286", "HTTP listen address")
	flag.StringVar(&dataDir, "data-dir", "/var/lib/pubky-homeserver", "directory for the embedded key-value store and identity secret")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(configPath, listenAddr, dataDir); err != nil {
		log.WithError(err).Fatal("pubky-homeserver exited with an error")
	}
}

func run(configPath, listenAddr, dataDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err, "loading configuration")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return trace.Wrap(err, "creating data directory %q", dataDir)
	}

	identity, err := loadOrCreateIdentity(dataDir)
	if err != nil {
		return trace.Wrap(err, "loading homeserver identity")
	}
	log.WithField("pubky", identity.Public.String()).Info("homeserver identity loaded")

	b, err := backend.OpenBolt(dataDir + "/store.db")
	if err != nil {
		return trace.Wrap(err, "opening embedded store")
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("closing embedded store")
		}
	}()

	clock := clockwork.NewRealClock()
	entries := storage.New(b)
	bus := eventstream.NewBus()
	entries.SetNotifier(bus.Publish)

	blobBackend, err := buildBlobBackend(cfg.Storage, b)
	if err != nil {
		return trace.Wrap(err, "building blob backend")
	}
	blobs := blobstore.NewStore(blobBackend, entries, cfg.Quota.EntryOverheadBytes, cfg.Quota.QuotaBytes())

	var dht *pkdns.Publisher
	if cfg.DHT.GatewayURL != "" {
		client, err := pkdns.NewHTTPClient(cfg.DHT.GatewayURL)
		if err != nil {
			return trace.Wrap(err, "building pkdns client")
		}
		dht = pkdns.NewPublisher(client, clock, cfg.DHT.Staleness(), cfg.DHT.MaxBackoff())
	}

	replay := cryptoutil.NewInMemoryReplayCache(cfg.Auth.ReplayWindow())
	// No KeypairResolver: this homeserver does not custody user keys
	// (self-sovereign clients publish their own "_pubky" record), so
	// publish-on-signup/signin is a no-op here; see DESIGN.md.
	enforcer := session.NewEnforcer(b, entries, dht, nil, identity.Public.String(), clock, replay, cfg.Auth.ReplayWindow(), session.SignupMode(cfg.Signup.Mode))

	events := eventstream.NewHandler(entries, bus)

	var limiter *ratelimit.Engine
	if len(cfg.RateLimits.Rules) > 0 {
		limiter = ratelimit.NewEngine(cfg.RateLimits.Rules, clock)
	}

	handler := web.NewHandler(web.Config{
		Sessions:            enforcer,
		Blobs:               blobs,
		Entries:             entries,
		Events:              events,
		RateLimiter:         limiter,
		Clock:               clock,
		ListingDefaultLimit: cfg.Listing.DefaultLimit,
		ListingMaxLimit:     cfg.Listing.MaxLimit,
	})

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
	}()

	log.WithField("addr", listenAddr).Info("pubky-homeserver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err, "serving HTTP")
	}
	return nil
}

// buildBlobBackend selects the blob backend named by cfg.Backend,
// reusing the embedded store's own *backend.BoltBackend when the
// selector is "embedded" so entries and blob chunks share one file.
func buildBlobBackend(cfg config.StorageConfig, embedded backend.Backend) (blobstore.Backend, error) {
	switch cfg.Backend {
	case config.StorageEmbedded, "":
		return blobstore.NewEmbeddedBackend(embedded), nil
	case config.StorageFilesystem:
		return blobstore.NewFilesystemBackend(cfg.FilesystemRoot)
	case config.StorageGoogleBucket:
		return nil, trace.NotImplemented("google-bucket storage requires a *storage.Client wired by a deployment-specific main; see DESIGN.md")
	default:
		return nil, trace.BadParameter("unknown storage backend %q", cfg.Backend)
	}
}

// loadOrCreateIdentity loads the homeserver's own Ed25519 identity from
// dataDir/identity.seed, generating and persisting a fresh one on first
// run. This identity's public key is the "_pubky" target subject users
// discover through the DHT (§4.2), not a user identity.
func loadOrCreateIdentity(dataDir string) (*cryptoutil.KeyPair, error) {
	path := dataDir + "/identity.seed"
	seed, err := os.ReadFile(path)
	if err == nil {
		return cryptoutil.KeyPairFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, trace.Wrap(err, "reading identity seed %q", path)
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, trace.Wrap(err, "generating identity seed")
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, trace.Wrap(err, "writing identity seed %q", path)
	}
	return cryptoutil.KeyPairFromSeed(seed)
}
