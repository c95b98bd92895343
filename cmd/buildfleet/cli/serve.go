package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/buildfleet/internal/allowlist"
	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/fleet"
	"github.com/majorcontext/buildfleet/internal/handshake"
	"github.com/majorcontext/buildfleet/internal/inventory"
	"github.com/majorcontext/buildfleet/internal/log"
	"github.com/majorcontext/buildfleet/internal/metrics"
	"github.com/majorcontext/buildfleet/internal/secrets"
	"github.com/majorcontext/buildfleet/internal/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller and its HTTP API",
	Long: `Run the controller. It loads the cloud configuration, disposes of any
workers left by a previous process, and serves the job-queue and worker
API until interrupted. SIGHUP reloads the configuration of existing clouds.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "API listen address (env: BUILDFLEET_LISTEN)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if serveListen != "" {
		settings.Listen = serveListen
	}

	file, err := config.Load(settings.ConfigPath)
	if err != nil {
		return err
	}
	agentSecrets, err := loadAgentSecrets(ctx, settings.AgentSecret)
	if err != nil {
		return err
	}

	m := metrics.New()
	gate := allowlist.NewGate(&allowlist.HTTPFetcher{URL: settings.AllowlistURL}, allowlist.Options{TTL: settings.AllowlistTTL})
	inv := inventory.New()
	pool := fleet.NewPool(settings.PoolSize)

	b := newBackends()
	defer b.Close()

	var clouds []*fleet.Cloud
	verifying := false
	for _, cfg := range file.Clouds {
		client, err := b.client(ctx, cfg)
		if err != nil {
			pool.Close()
			return err
		}
		cl, err := fleet.NewCloud(cfg, fleet.Deps{
			Client:    client,
			Inventory: inv,
			Pool:      pool,
			Secrets:   agentSecrets,
			Gate:      gate,
			Metrics:   m,
		})
		if err != nil {
			pool.Close()
			return err
		}
		clouds = append(clouds, cl)
		verifying = verifying || cfg.VerifySourceIP
		log.Info("cloud configured", "cloud", cfg.Name, "backend", cfg.Backend, "project", cfg.Project,
			"label", cfg.Label, "max_agents", cfg.AgentLimit())
	}

	ctrl, err := fleet.NewController(inv, pool, nil, m, clouds...)
	if err != nil {
		pool.Close()
		return err
	}
	if err := ctrl.Initialize(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("initializing controller: %w", err)
	}
	if verifying {
		go func() {
			if err := gate.Refresh(ctx); err != nil {
				log.Warn("initial allowlist fetch failed, connections will be refused until it succeeds", "error", err)
			}
		}()
	}

	retentionCtx, stopRetention := context.WithCancel(context.Background())
	defer stopRetention()
	go ctrl.RunRetention(retentionCtx, settings.RetentionInterval)

	srv := server.NewServer(settings.Listen, ctrl, m)
	if err := srv.Start(); err != nil {
		stopRetention()
		_ = ctrl.Close(context.Background())
		return err
	}
	log.Info("controller started", "pid", os.Getpid(), "addr", srv.Addr(), "clouds", len(clouds))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		reload(ctrl, settings.ConfigPath)
	}

	log.Info("controller shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	stopRetention()
	return ctrl.Close(shutdownCtx)
}

// loadAgentSecrets resolves the HMAC key behind per-agent secrets. Without
// a configured reference the key is random, so workers started by a
// previous process cannot connect to this one.
func loadAgentSecrets(ctx context.Context, ref string) (*handshake.Secrets, error) {
	if ref == "" {
		key, err := handshake.GenerateKey()
		if err != nil {
			return nil, err
		}
		log.Warn("no agent secret configured, using a per-process key")
		return handshake.NewSecrets(key)
	}
	key, err := secrets.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolving agent secret: %w", err)
	}
	return handshake.NewSecrets([]byte(key))
}

// reload applies a re-read configuration to the clouds that already exist.
// Adding or removing clouds, or moving one to another account, needs a
// restart.
func reload(ctrl *fleet.Controller, path string) {
	file, err := config.Load(path)
	if err != nil {
		log.Error("reloading configuration", "path", path, "error", err)
		return
	}
	seen := make(map[string]bool, len(file.Clouds))
	for _, cfg := range file.Clouds {
		seen[cfg.Name] = true
		cl, ok := ctrl.Cloud(cfg.Name)
		if !ok {
			log.Warn("new cloud ignored until restart", "cloud", cfg.Name)
			continue
		}
		cur := cl.Config()
		if cur.Backend != cfg.Backend || cur.Region != cfg.Region || cur.CredentialID != cfg.CredentialID {
			log.Warn("backend, region or credential change ignored until restart", "cloud", cfg.Name)
			continue
		}
		if err := cl.UpdateConfig(cfg); err != nil {
			log.Error("rejected configuration update", "cloud", cfg.Name, "error", err)
			continue
		}
		log.Info("cloud configuration reloaded", "cloud", cfg.Name)
	}
	for _, cl := range ctrl.Clouds() {
		if !seen[cl.Name()] {
			log.Warn("removed cloud kept until restart", "cloud", cl.Name())
		}
	}
}
