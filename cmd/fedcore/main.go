/*
Copyright 2025, 2026 Dima Krasner

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

package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/dimkr/fedcore/buildinfo"
	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/dispatch"
	"github.com/dimkr/fedcore/fetch"
	"github.com/dimkr/fedcore/handlers"
	"github.com/dimkr/fedcore/httpd"
	"github.com/dimkr/fedcore/inboxqueue"
	"github.com/dimkr/fedcore/instance"
	"github.com/dimkr/fedcore/localactor"
	"github.com/dimkr/fedcore/migrations"
	"github.com/dimkr/fedcore/mrf"
	"github.com/dimkr/fedcore/pipeline"
	"github.com/dimkr/fedcore/publish"
	"github.com/dimkr/fedcore/queue"
	"github.com/dimkr/fedcore/ratelimit"
	"github.com/dimkr/fedcore/refstore"
	"github.com/dimkr/fedcore/relay"
	"github.com/dimkr/fedcore/retry"
	"github.com/dimkr/fedcore/throttle"
	_ "github.com/mattn/go-sqlite3"
)

var (
	domain        = flag.String("domain", "localhost.localdomain", "Domain name")
	logLevel      = flag.Int("loglevel", int(slog.LevelInfo), "Logging verbosity")
	dbPath        = flag.String("db", "fedcore.sqlite3", "Database path")
	cert          = flag.String("cert", "cert.pem", "HTTPS TLS certificate")
	key           = flag.String("key", "key.pem", "HTTPS TLS key")
	addr          = flag.String("addr", ":8443", "HTTPS listening address")
	plain         = flag.Bool("plain", false, "Use HTTP instead of HTTPS")
	blockListPath = flag.String("blocklist", "", "MRF blocklist CSV overlay")
	cfgPath       = flag.String("cfg", "", "Configuration file")
	dumpCfg       = flag.Bool("dumpcfg", false, "Print default configuration and exit")
	version       = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flag]... [arg...]\n", os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(flag.CommandLine.Output(), "\n%s [flag]...\n\tRun fedcore\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "\n%s [flag]... subscribe-relay URL\n\tSubscribe to a relay\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "\n%s [flag]... unsubscribe-relay URL\n\tUnsubscribe from a relay\n", os.Args[0])

		os.Exit(2)
	}
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.Version)
		return
	}

	cmd := flag.Arg(0)
	if !((cmd == "" && flag.NArg() == 0) || ((cmd == "subscribe-relay" || cmd == "unsubscribe-relay") && flag.NArg() == 2 && flag.Arg(1) != "")) {
		flag.Usage()
	}

	uuid.EnableRandPool()

	var config cfg.Config

	if *dumpCfg {
		config.FillDefaults()
		e := json.NewEncoder(os.Stdout)
		e.SetEscapeHTML(false)
		e.SetIndent("", "\t")
		if err := e.Encode(config); err != nil {
			panic(err)
		}
		return
	}

	if *cfgPath != "" {
		f, err := os.Open(*cfgPath)
		if err != nil {
			panic(err)
		}
		if err := json.NewDecoder(f).Decode(&config); err != nil {
			f.Close()
			panic(err)
		}
		f.Close()
	}

	config.FillDefaults()

	opts := slog.HandlerOptions{Level: slog.Level(*logLevel)}
	if opts.Level == slog.LevelDebug {
		opts.AddSource = true
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &opts)))
	slog.SetLogLoggerLevel(slog.Level(*logLevel))

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?%s", *dbPath, config.DatabaseOptions))
	if err != nil {
		panic(err)
	}
	defer db.Close()

	slog.Debug("Starting", "version", buildinfo.Version, "cfg", &config)

	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Go(func() {
		select {
		case <-sigs:
			slog.Info("Received termination signal")
			cancel()
		case <-ctx.Done():
		}
	})

	if err := migrations.Run(ctx, slog.Default(), db); err != nil {
		panic(err)
	}

	transport := http.Transport{
		MaxIdleConns:    config.ResolverMaxIdleConns,
		IdleConnTimeout: config.ResolverIdleConnTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	client := http.Client{
		Transport: &transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	registry, err := instance.New(ctx, slog.Default(), db, *blockListPath)
	if err != nil {
		panic(err)
	}
	defer registry.Close()

	fetcher := fetch.New(*domain, &config, &client, db, registry)

	store := &refstore.Store{DB: db}

	keys := &localactor.Store{DB: db}
	instanceActorID := fmt.Sprintf("https://%s/actors/instance", *domain)
	instanceKey, err := keys.Bootstrap(ctx, instanceActorID, localactor.KeyID(instanceActorID))
	if err != nil {
		panic(err)
	}

	newID := func(prefix string) string {
		return fmt.Sprintf("https://%s/activities/%s/%s", *domain, prefix, uuid.NewString())
	}

	relayActorID := fmt.Sprintf("https://%s/actors/relay", *domain)
	relayKey, err := keys.Bootstrap(ctx, relayActorID, localactor.KeyID(relayActorID))
	if err != nil {
		panic(err)
	}
	relayManager := &relay.Manager{
		Domain:  *domain,
		Actor:   relayActorID,
		Key:     relayKey,
		DB:      db,
		Fetcher: fetcher,
		NewID:   newID,
	}

	switch cmd {
	case "subscribe-relay":
		if err := relayManager.Subscribe(ctx, flag.Arg(1)); err != nil {
			panic(err)
		}
		return

	case "unsubscribe-relay":
		if err := relayManager.Unsubscribe(ctx, flag.Arg(1)); err != nil {
			panic(err)
		}
		return
	}

	publisher := &publish.Publisher{
		Domain:  *domain,
		DB:      db,
		Fetcher: fetcher,
		Follows: store,
		Key:     instanceKey,
	}

	chain := mrf.New(
		slog.Default(),
		mrf.RejectPolicy{Registry: registry},
		mrf.ReportRemovalPolicy{Registry: registry},
		mrf.FollowersOnlyPolicy{Registry: registry},
		mrf.MediaRemovalPolicy{Registry: registry},
		mrf.MediaNsfwPolicy{Registry: registry},
		mrf.FederatedTimelineRemovalPolicy{Registry: registry},
		mrf.NormalizePolicy{},
	)

	dispatcher := &handlers.Dispatcher{
		Domain:       *domain,
		Messages:     store,
		Interactions: store,
		Follows:      store,
		Blocks:       store,
		Reports:      store,
		Local:        store,
		Publisher:    publisher,
		NewID:        newID,
	}

	proc := &pipeline.Pipeline{
		Domain:     *domain,
		MRF:        chain,
		Dispatcher: dispatcher,
		Publisher:  publisher,
	}

	jobs := queue.New(db)

	staging := inboxqueue.New(
		jobs,
		config.InboxStagingMaxSize,
		config.InboxDedupWindow,
		config.InboxFlushInterval,
		config.InboxFlushBatchSize,
		config.InboxFlushChunkSize,
		config.InboxQueueMaxAttempts,
	)

	worker := &inboxqueue.Worker{
		Config:   &config,
		Durable:  jobs,
		Pipeline: proc,
	}

	domainThrottle := throttle.New(config.MaxThrottledRequests, config.DeliveryBaseBackoff, config.DeliveryMaxBackoff)

	deliveryDispatcher := &dispatch.Dispatcher{
		Domain:   *domain,
		Config:   &config,
		DB:       db,
		Client:   &client,
		Keys:     keys,
		Throttle: domainThrottle,
	}

	retryScheduler := &retry.Scheduler{Config: &config, DB: db}
	maintenance := &retry.Maintenance{Config: &config, DB: db, Jobs: jobs}

	rateLimit := ratelimit.New(config.InboxRateLimit, config.InboxRateBurst)

	server := &httpd.Server{
		Domain:      *domain,
		Config:      &config,
		Inbox:       staging,
		RateLimit:   rateLimit,
		Local:       store,
		Fetcher:     fetcher,
		InstanceKey: instanceKey,
		Addr:        *addr,
		Cert:        *cert,
		Key:         *key,
		Plain:       *plain,
	}

	wg.Go(func() {
		if err := server.ListenAndServe(ctx); err != nil {
			slog.Error("HTTP listener has failed", "error", err)
		}
		cancel()
	})

	for _, runner := range []struct {
		Name string
		Run  func(context.Context)
	}{
		{"inbox-staging", staging.Run},
		{"inbox-process", worker.Run},
		{"dispatch", deliveryDispatcher.Run},
		{"retry-scheduler", retryScheduler.Run},
		{"maintenance", maintenance.Run},
	} {
		wg.Go(func() {
			slog.Info("Starting worker", "worker", runner.Name)
			runner.Run(ctx)
			slog.Info("Worker stopped", "worker", runner.Name)
			cancel()
		})
	}

	<-ctx.Done()
	slog.Info("Shutting down")
	wg.Wait()
}
