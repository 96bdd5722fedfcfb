// Package main provides the gatekeeper daemon executable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/gatekeeper/pkg/banner"
	"github.com/opd-ai/gatekeeper/pkg/config"
	"github.com/opd-ai/gatekeeper/pkg/filter"
	"github.com/opd-ai/gatekeeper/pkg/httpmetrics"
	"github.com/opd-ai/gatekeeper/pkg/logger"
	"github.com/opd-ai/gatekeeper/pkg/proxy"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (YAML)")
	ruleFile := flag.String("rule", "", "Path to rule file (YAML, overrides config rules)")
	host := flag.String("host", "", "Listen address (default: 0.0.0.0)")
	port := flag.Int("port", 0, "Listen port (default: 1080)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatekeeperd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration, then apply command-line overrides
	cfg := config.DefaultConfig()
	if *configFile != "" {
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config file: %v\n", err)
			os.Exit(1)
		}
	}
	if *host != "" {
		cfg.BindAddr = *host
	}
	if *port != 0 {
		cfg.BindPort = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Compile the rule set; a --rule file replaces config rules entirely
	var rules *filter.RuleSet
	var err error
	if *ruleFile != "" {
		rules, err = config.LoadRuleFile(*ruleFile)
	} else {
		rules, err = cfg.RuleSet()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid rules: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger; the environment may override the level
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.LevelFromEnv(level), os.Stdout)

	banner.Print(version)
	log.Info("starting gatekeeperd",
		"version", version,
		"build_time", buildTime,
		"listen", cfg.ListenAddr(),
		"rules", rules.Len(),
		"log_level", cfg.LogLevel)

	if err := run(cfg, rules, log); err != nil {
		log.Error("gatekeeperd failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// run wires the proxy server, the optional admin endpoint and the signal
// handler together and blocks until shutdown finishes
func run(cfg *config.Config, rules *filter.RuleSet, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	srv := proxy.New(cfg, rules, log)

	var admin *httpmetrics.Server
	if cfg.AdminPort > 0 {
		admin = httpmetrics.NewServer(cfg.AdminAddr(), srv.Metrics(), srv.Health(), log)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Std())
		defer cancel()
		if admin != nil {
			if err := admin.Shutdown(shutdownCtx); err != nil {
				log.Warn("admin endpoint shutdown failed", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	adminAddr := ""
	if admin != nil && admin.Addr() != nil {
		adminAddr = admin.Addr().String()
	}
	banner.PrintStatus(cfg.ListenAddr(), rules.Len(), adminAddr)

	return g.Wait()
}
