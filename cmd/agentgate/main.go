// Copyright 2025 Kadir Pekel
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

// Command agentgate runs the execution gateway between an untrusted agent
// and the privileged services it wants to call.
//
// Usage:
//
//	agentgate serve --config config.yaml --permissions permissions.yaml
//	agentgate validate --config config.yaml --permissions permissions.yaml
//	agentgate audit --config config.yaml --limit 50
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/agentpass/agentgate/pkg/config"
	"github.com/agentpass/agentgate/pkg/engine"
	"github.com/agentpass/agentgate/pkg/executor"
	"github.com/agentpass/agentgate/pkg/gateway"
	"github.com/agentpass/agentgate/pkg/logger"
	"github.com/agentpass/agentgate/pkg/messenger"
	"github.com/agentpass/agentgate/pkg/metrics"
	"github.com/agentpass/agentgate/pkg/services/homeassistant"
	"github.com/agentpass/agentgate/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and permission files."`
	Audit    AuditCmd    `cmd:"" help:"Print recent audit log entries."`

	Config      string `short:"c" help:"Path to config file." default:"config.yaml" type:"path"`
	Permissions string `short:"p" help:"Path to permissions file." default:"permissions.yaml" type:"path"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat   string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentgate version %s\n", version)
	return nil
}

// ValidateCmd checks both files and reports the first problem found.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	perms, err := config.LoadPermissions(cli.Permissions)
	if err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	fmt.Printf("Configuration valid (%d permission rules)\n", len(perms.Rules))
	return nil
}

// AuditCmd prints recent audit entries, newest first.
type AuditCmd struct {
	Limit int  `help:"Maximum entries to print." default:"20"`
	JSON  bool `help:"Print entries as JSON lines."`
}

func (c *AuditCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.QueryAudit(c.Limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if c.JSON {
			line, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			continue
		}
		when := time.Unix(int64(e.Timestamp), 0).UTC().Format(time.RFC3339)
		fmt.Printf("%s  %-5s  %-18s  %s  %s\n", when, e.Decision, e.Resolution, e.Signature, e.ResolvedBy)
	}
	return nil
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Insecure bool `help:"Allow serving without TLS. Refused otherwise."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	if err := config.LoadEnvFiles(); err != nil {
		slog.Warn("Failed to load .env files", "error", err)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	perms, err := config.LoadPermissions(cli.Permissions)
	if err != nil {
		return err
	}

	if cfg.Gateway.TLS == nil && !c.Insecure {
		return errors.New("refusing to serve without TLS; pass --insecure to allow plaintext")
	}

	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Initialize(); err != nil {
		return err
	}

	haCfg, ok := cfg.Services["homeassistant"]
	if !ok {
		return errors.New("services.homeassistant is required")
	}
	ha := homeassistant.New(haCfg)
	exec := executor.New(map[string]executor.ServiceHandler{
		"homeassistant": ha,
	})
	defer func() {
		if err := exec.Close(); err != nil {
			slog.Warn("Service shutdown error", "error", err)
		}
	}()

	if !ha.HealthCheck(ctx) {
		slog.Warn("Home Assistant health check failed; continuing anyway")
	}

	tg := messenger.NewTelegram(*cfg.Messenger.Telegram)

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		m = metrics.New()
	}

	gw := gateway.New(cfg, engine.New(perms), exec, tg, st, m)

	if err := gw.RecoverPending(); err != nil {
		return err
	}
	if err := tg.Start(ctx); err != nil {
		return err
	}
	defer tg.Stop()

	if m != nil {
		go serveMetrics(ctx, cfg.Metrics.Listen, m)
	}

	mux := http.NewServeMux()
	mux.Handle("/", gw)
	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.Gateway.Host, fmt.Sprintf("%d", cfg.Gateway.Port)),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", server.Addr, "tls", cfg.Gateway.TLS != nil)
		if cfg.Gateway.TLS != nil {
			errCh <- server.ListenAndServeTLS(cfg.Gateway.TLS.Cert, cfg.Gateway.TLS.Key)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	// Outstanding approvals are settled before the transport goes away so
	// every one leaves an audit record and an edited prompt.
	gw.ResolveAllPending()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown error", "error", err)
	}
	slog.Info("Gateway stopped")
	return nil
}

func serveMetrics(ctx context.Context, listen string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	slog.Info("Metrics listening", "addr", listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server error", "error", err)
	}
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("agentgate"),
		kong.Description("Execution gateway between AI agents and privileged services."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
