// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command prezeld is the deployment controller instance process: it
// serves the reverse proxy on 80/443, the management API on
// api.<hostname>, and runs the background workers (reconcile, build,
// poll, gc, files).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ricopinazo/prezel/internal/api"
	"github.com/ricopinazo/prezel/internal/auth"
	"github.com/ricopinazo/prezel/internal/certs"
	"github.com/ricopinazo/prezel/internal/config"
	"github.com/ricopinazo/prezel/internal/deployments"
	"github.com/ricopinazo/prezel/internal/dnsauth"
	"github.com/ricopinazo/prezel/internal/hooks"
	"github.com/ricopinazo/prezel/internal/livelog"
	"github.com/ricopinazo/prezel/internal/logctx"
	"github.com/ricopinazo/prezel/internal/metastore"
	"github.com/ricopinazo/prezel/internal/proxy"
	"github.com/ricopinazo/prezel/internal/reqlog"
	"github.com/ricopinazo/prezel/internal/runtime"
	"github.com/ricopinazo/prezel/internal/selfupdate"
	"github.com/ricopinazo/prezel/internal/source"
	"github.com/ricopinazo/prezel/internal/workers"
)

// version is stamped at release build time; "dev" covers local builds.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "prezeld",
		Short: "prezel deployment controller",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the running prezeld version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("prezeld %s\n", color.GreenString(version))
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	var (
		home          string
		hostname      string
		providerToken string
		caDirURL      string
		acmeEmail     string
		providerOrigin string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the instance: reverse proxy, management API, background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), home, hostname, providerToken, caDirURL, acmeEmail, providerOrigin)
		},
	}

	cmd.Flags().StringVar(&home, "home", envOr("PREZEL_HOME", "/opt/prezel"), "instance data directory")
	cmd.Flags().StringVar(&hostname, "hostname", os.Getenv("PREZEL_HOSTNAME"), "instance base domain")
	cmd.Flags().StringVar(&providerToken, "provider-token", os.Getenv("PREZEL_GITHUB_TOKEN"), "GitHub token for the source host")
	cmd.Flags().StringVar(&caDirURL, "acme-directory", envOr("PREZEL_ACME_DIRECTORY", "https://acme-v02.api.letsencrypt.org/directory"), "ACME CA directory URL")
	cmd.Flags().StringVar(&acmeEmail, "acme-email", os.Getenv("PREZEL_ACME_EMAIL"), "ACME account contact email")
	cmd.Flags().StringVar(&providerOrigin, "provider-origin", os.Getenv("PREZEL_PROVIDER_ORIGIN"), "CORS origin of the managing web app")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serve(ctx context.Context, home, hostname, providerToken, caDirURL, acmeEmail, providerOrigin string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	ctx = logctx.WithLogger(ctx, log)

	if hostname == "" {
		return fmt.Errorf("--hostname is required")
	}

	paths := config.Paths{Root: home}
	for _, dir := range []string{paths.AppsDir(), paths.DeploymentsDir(), paths.LogDir(), paths.CertsDir(), paths.AcmeAccountDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	instance, err := config.Load(home, hostname, config.ProviderGitHub, providerToken)
	if err != nil {
		return fmt.Errorf("failed to load instance config: %w", err)
	}

	store, err := metastore.Open(paths.MetaStoreFile())
	if err != nil {
		return fmt.Errorf("failed to open metastore: %w", err)
	}
	defer store.Close()

	rt, err := runtime.NewDocker(hostname)
	if err != nil {
		return fmt.Errorf("failed to dial container engine: %w", err)
	}

	src := source.NewGitHub(ctx, instance.ProviderToken)
	signer := auth.NewSigner(instance.Secret)
	broadcaster := livelog.NewBroadcaster()

	requestLog, err := reqlog.NewWriter(paths.LogDir())
	if err != nil {
		return fmt.Errorf("failed to open request log: %w", err)
	}
	defer requestLog.Close()

	rollup := hooks.NewRollup(store, src, []byte(instance.Secret), hostname, log)

	// No concrete DNS-01 authority is configured for this instance by
	// default; dnsauth.Manual logs the TXT record for an operator to set
	// by hand until a provider-specific DnsAuthority is wired in.
	dnsProvider := dnsauth.NewProvider(dnsauth.NewManual(log))
	http01Provider := certs.NewHTTP01Provider()

	certStore, err := certs.NewStore(ctx, caDirURL, acmeEmail, hostname, paths, dnsProvider, http01Provider, log)
	if err != nil {
		return fmt.Errorf("failed to initialize certificate store: %w", err)
	}

	network := "prezel"

	// deploymentsMap is referenced by the build worker's trigger before
	// it exists; the closures below capture the variable, not a copy, so
	// assigning it after NewHandle wiring is safe: a handle only runs its
	// work on a trigger, and the first trigger is the initial poll below,
	// after every variable here is assigned.
	var deploymentsMap *deployments.Map
	var reconcileHandle, buildHandle, pollHandle, gcHandle, filesHandle *workers.Handle

	reconcileWork := func(ctx context.Context) error {
		if err := deploymentsMap.Reconcile(ctx); err != nil {
			return err
		}
		gcHandle.Trigger()
		filesHandle.Trigger()
		return nil
	}
	buildWorker := workers.NewBuild(
		mapAdapter{&deploymentsMap},
		func() { reconcileHandle.Trigger() },
		log,
	)
	buildTrigger := func() { buildHandle.Trigger() }

	deploymentsMap = deployments.New(hostname, network, paths, store, rt, src, certStore, rollup, broadcaster, buildTrigger, log)

	reconcileHandle = workers.NewHandle(ctx, "reconcile", log, reconcileWork)
	buildHandle = workers.NewHandle(ctx, "build", log, buildWorker.Run)

	poller := workers.NewPoller(store, src, func() { reconcileHandle.Trigger() }, log)
	pollHandle = workers.NewHandle(ctx, "poll", log, poller.Run)

	gc := workers.NewGC(rt, deploymentsMap, log)
	gcHandle = workers.NewHandle(ctx, "gc", log, func(ctx context.Context) error { return gc.Run(ctx) })

	files := workers.NewFiles(paths, deploymentsMap, log)
	filesHandle = workers.NewHandle(ctx, "files", log, func(ctx context.Context) error { return files.Run(ctx) })

	scheduler := workers.NewScheduler(func() { pollHandle.Trigger() }, log)
	go scheduler.Run(ctx)

	// Kick an initial poll + reconcile so the map isn't empty on first
	// request.
	pollHandle.Trigger()

	updater := selfupdate.NewUpdater(rt, "prezel", network, "/var/run/docker.sock", nil, nil, log)

	apiServer := api.New(store, deploymentsMap, signer, syncerFunc(func() { pollHandle.Trigger() }), func() { reconcileHandle.Trigger() }, broadcaster, requestLog, paths.LogDir(), version, updater, log)

	p := proxy.New(deploymentsMap, certStore, http01Provider, signer, requestLog, hostname, providerOrigin, apiServer.Handler(), log)

	go certStore.RunRenewal(ctx)

	httpServer := &http.Server{Addr: ":80", Handler: p.HTTPHandler()}
	httpsServer := &http.Server{Addr: ":443", Handler: p, TLSConfig: p.TLSConfig()}

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.ListenAndServe() }()
	go func() { errCh <- httpsServer.ListenAndServeTLS("", "") }()

	log.Info().Str("hostname", hostname).Msg("prezeld started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	httpsServer.Shutdown(shutdownCtx)
	return nil
}

// mapAdapter breaks the init-order cycle between the build worker and
// deploymentsMap: the worker only needs PickQueued, resolved at call
// time via the pointer-to-pointer indirection.
type mapAdapter struct {
	m **deployments.Map
}

func (a mapAdapter) PickQueued() *deployments.Container { return (*a.m).PickQueued() }

type syncerFunc func()

func (f syncerFunc) Trigger() { f() }
