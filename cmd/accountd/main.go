// Package main runs the account lifecycle service: the worker pool, the
// engine and its HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/accountforge/pkg/browser"
	"github.com/entrhq/accountforge/pkg/config"
	"github.com/entrhq/accountforge/pkg/engine"
	"github.com/entrhq/accountforge/pkg/logging"
	"github.com/entrhq/accountforge/pkg/mailbox"
	"github.com/entrhq/accountforge/pkg/pipeline"
	"github.com/entrhq/accountforge/pkg/server"
	"github.com/entrhq/accountforge/pkg/store"
	"github.com/entrhq/accountforge/pkg/worker"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile  string
	EnvFile     string
	Addr        string
	SkipInstall bool
	ShowVersion bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("accountd v%s\n", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli); err != nil {
		fmt.Fprintf(os.Stderr, "accountd: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags
func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", os.Getenv("ACCOUNTFORGE_CONFIG"), "Path to configuration file (YAML)")
	flag.StringVar(&cli.EnvFile, "env-file", ".env", "Dotenv file loaded before the environment is read")
	flag.StringVar(&cli.Addr, "addr", "", "Listen address (overrides server.addr)")
	flag.BoolVar(&cli.SkipInstall, "skip-install", false, "Do not download the browser driver on first use")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "accountd - account lifecycle service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: accountd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return cli
}

//nolint:gocyclo
func run(ctx context.Context, cli *CLIConfig) error {
	// A missing dotenv file is fine, the process environment still applies
	if err := godotenv.Load(cli.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", cli.EnvFile, err)
	}

	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return err
	}
	if cli.Addr != "" {
		cfg.Server.Addr = cli.Addr
	}

	if cfg.Logging.Dir != "" {
		logging.SetDirectory(cfg.Logging.Dir)
	}
	logging.SetLevel(logging.ParseVerbosity(cfg.Logging.Verbosity))
	log, err := logging.NewLogger("accountd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "accountd: file logging disabled: %v\n", err)
	}
	defer log.Close()

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	if registry.Len() == 0 {
		log.Warnf("no email domains configured, account creation is disabled")
	}

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	fp, err := browser.FingerprintFromConfig(cfg.Fingerprint, cfg.Headless)
	if err != nil {
		return err
	}
	// The pool enforces the current worker limit, which may be raised at runtime
	factory := browser.NewPlaywrightFactory(browser.FactoryOptions{
		MaxSessions: config.MaxWorkersLimit,
		StepTimeout: cfg.StepTimeout,
		SkipInstall: cli.SkipInstall,
	})
	defer func() {
		if err := factory.Shutdown(); err != nil {
			log.Warnf("browser shutdown: %v", err)
		}
	}()

	mail := mailbox.NewClient(registry, &http.Client{Timeout: cfg.Verification.RequestTimeout})
	pipelines := map[worker.Operation]pipeline.Pipeline{
		worker.OpRegister: pipeline.NewRegistration(cfg.Target, mail, mailbox.PolicyFromConfig(cfg.Verification), log.With("registration")),
		worker.OpRefresh:  pipeline.NewRefresh(cfg.Target, log.With("refresh")),
	}

	pool, err := worker.New(worker.Options{
		Store:       st,
		Factory:     factory,
		Fingerprint: fp,
		Pipelines:   pipelines,
		MaxWorkers:  cfg.MaxWorkers,
		QueueSize:   cfg.QueueSize,
		JobTimeout:  cfg.JobTimeout,
		Grace:       cfg.Grace,
		Logger:      log.With("worker"),
	})
	if err != nil {
		return err
	}

	eng := engine.New(st, registry, pool, mail, engine.Options{Config: cfg, Logger: log.With("engine")})
	// Settle records left in a transient status before any job can be accepted
	rec, err := eng.Reconcile(ctx)
	if err != nil {
		_ = pool.Close(context.Background())
		return fmt.Errorf("failed to reconcile accounts: %w", err)
	}
	log.Infof("reconciled %d accounts (interrupted=%d restored=%d rebound=%d unbound=%d stranded=%d)",
		rec.Changed(), rec.Interrupted, rec.Restored, rec.Rebound, rec.Unbound, rec.Stranded)

	switch {
	case !cfg.Server.AuthEnabled():
		log.Warnf("no admin token or password configured, the API is open to anyone who can reach %s", cfg.Server.Addr)
	case cfg.Server.AdminPassword == config.DefaultAdminPassword:
		log.Warnf("the API accepts the default admin password, set ADMIN_PASSWORD or ADMIN_TOKEN")
	}
	srv := server.New(cfg.Server, eng, log.With("http"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Infof("accountd %s started: store=%s workers=%d domains=%d", version, cfg.Store.Backend, cfg.MaxWorkers, registry.Len())
	fmt.Printf("accountd listening on %s (logs: %s)\n", cfg.Server.Addr, log.LogPath())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = pool.Close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Infof("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	// Running jobs are cancelled and recorded before the store closes
	if err := pool.Close(shutdownCtx); err != nil {
		log.Warnf("worker shutdown: %v", err)
	}
	return nil
}

// openStore opens the configured backend and returns its close function.
func openStore(ctx context.Context, c config.StoreConfig) (store.Store, func(), error) {
	switch c.Backend {
	case config.BackendMemory:
		return store.NewMemory(), func() {}, nil
	case config.BackendFile:
		f, err := store.NewFile(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", c.RedisAddr, err)
		}
		return store.NewRedis(client, c.RedisPrefix), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("invalid store backend: %s", c.Backend)
}
