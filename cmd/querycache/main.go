// querycache - A2S rules query cache
//
// querycache queries game servers for their A2S_RULES reply, decodes the rule
// list together with the mod manifest some servers hide inside it, caches the
// result, records snapshots to SQLite, serves everything over a REST API and
// forwards query events to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/energizer-project/querycache/internal/api"
	"github.com/energizer-project/querycache/internal/cache"
	"github.com/energizer-project/querycache/internal/cli"
	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/db"
	"github.com/energizer-project/querycache/internal/events"
	"github.com/energizer-project/querycache/internal/network"
	"github.com/energizer-project/querycache/internal/scheduler"
	"github.com/energizer-project/querycache/internal/telemetry"
	"github.com/energizer-project/querycache/internal/util"
)

const (
	AppName    = "querycache"
	AppVersion = "1.0.0"
)

func main() {
	var (
		configDir   string
		noCLI       bool
		showVersion bool
		queryAddr   string
	)

	flags := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	flags.StringVar(&configDir, "config-dir", config.DefaultConfigDir, "directory holding config.json")
	flags.BoolVar(&noCLI, "no-cli", false, "disable the interactive console")
	flags.BoolVar(&showVersion, "version", false, "print the version and exit")
	flags.StringVarP(&queryAddr, "query", "q", "", "query one server, print its rules and mods, and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Printf("%s %s (%s/%s)\n", AppName, AppVersion, runtime.GOOS, runtime.GOARCH)
		return
	}

	if queryAddr != "" {
		os.Exit(runQuery(configDir, queryAddr))
	}

	run(configDir, noCLI)
}

// runQuery performs a one-shot query and returns the process exit code.
func runQuery(configDir, addr string) int {
	logCfg := util.DefaultLogConfig()
	logCfg.Level = "warn"
	logCfg.Directory = ""
	if err := util.InitLogger(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := queryAndPrint(ctx, cfg, addr, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// queryAndPrint queries addr once and writes its rules and mods tables to out.
func queryAndPrint(ctx context.Context, cfg *config.Config, addr string, out io.Writer) error {
	rules := cache.NewRulesCache(cfg, network.NewQueryClient(cfg), nil)
	console := cli.NewCLI(cfg, nil, rules, nil, strings.NewReader(""), out, nil)

	for _, cmd := range []string{"rules", "mods"} {
		if err := console.Execute(ctx, cmd, []string{addr}); err != nil {
			return err
		}
	}
	return nil
}

func run(configDir string, noCLI bool) {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting querycache")

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	rules := cache.NewRulesCache(cfg, network.NewQueryClient(cfg), eventBus)

	// Interfaces below must stay nil, not typed nil, when storage is off.
	var (
		store     *db.HistoryStore
		apiHist   api.History
		cliHist   cli.History
		schedHist scheduler.SnapshotStore
	)
	if storage := cfg.GetStorage(); storage.Enabled {
		store, err = db.NewHistoryStore(storage.DatabasePath)
		if err != nil {
			log.Error().Err(err).Msg("failed to open history database, history disabled")
		} else {
			apiHist, cliHist, schedHist = store, store, store
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, eventBus, rules, schedHist)

	var wg sync.WaitGroup

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, rules, apiHist, AppVersion)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Error().Err(err).Msg("API server failed after retries")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if !noCLI {
		console := cli.NewCLI(cfg, eventBus, rules, cliHist, os.Stdin, os.Stdout, cancel)
		wg.Add(1)
		go func() {
			defer wg.Done()
			console.Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	eventBus.Emit(context.Background(), events.Event{Type: events.EventShutdown, Source: "main"})
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()

	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close history database")
		}
	}

	log.Info().Msg("querycache stopped")
}

// startWithRetry retries startFn on bind errors at a fixed interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).
				Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
