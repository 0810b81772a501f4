package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rewired-gh/rugscope/internal/browser"
	"github.com/rewired-gh/rugscope/internal/classifier"
	"github.com/rewired-gh/rugscope/internal/config"
	"github.com/rewired-gh/rugscope/internal/export"
	"github.com/rewired-gh/rugscope/internal/logger"
	"github.com/rewired-gh/rugscope/internal/metrics"
	"github.com/rewired-gh/rugscope/internal/models"
	"github.com/rewired-gh/rugscope/internal/normalizer"
	"github.com/rewired-gh/rugscope/internal/segment"
	"github.com/rewired-gh/rugscope/internal/storage"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	// Crash recovery must run before any new data is ingested.
	if recovered, err := segment.Resume(store, cfg.Segment.SidebetWindowS); err != nil {
		logger.Fatal("Failed to recover from previous run: %v", err)
	} else if recovered != nil {
		logger.Info("Recovered round %s from previous run", recovered.ID)
	}

	if cfg.Metrics.Enabled {
		metrics.Serve(cfg.Metrics.ListenAddr)
		logger.Info("Metrics endpoint listening on %s", cfg.Metrics.ListenAddr)
	}
	if cfg.Export.Enabled {
		export.NewServer(store, cfg.Export.RecentN).Serve(cfg.Export.ListenAddr)
		logger.Info("Export endpoint listening on %s", cfg.Export.ListenAddr)
	}

	engine := segment.New(store, segment.Config{
		StartConfirmations: cfg.Segment.StartConfirmations,
		EndConfirmations:   cfg.Segment.EndConfirmations,
		SidebetWindowS:     cfg.Segment.SidebetWindowS,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	// One logical consumer: every capture path funnels into this channel and
	// the engine drains it in arrival order. No parallel round mutation.
	signals := make(chan models.Signal, 1024)
	var consumerWG sync.WaitGroup
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		for sig := range signals {
			engine.HandleSignal(sig)
		}
	}()

	enqueue := func(sig models.Signal) {
		select {
		case signals <- sig:
		case <-ctx.Done():
		}
	}

	onFrame := func(frame models.RawFrame) {
		if err := store.AppendFrame(frame); err != nil {
			logger.Error("Failed to record frame: %v", err)
		}
		sourceType, drive := frameSource(cfg.Browser.SourcePreference, frame.Channel)
		if sourceType == "" {
			return
		}
		ev := normalizer.Normalize(frame.Payload, frame.TS, sourceType)
		if ev.Type == models.EventUnknown {
			metrics.ParseFailures.Inc()
		}
		if _, err := store.InsertEvent(ev); err != nil {
			logger.Error("Failed to record event: %v", err)
		}
		if drive {
			enqueue(normalizer.ToSignal(ev))
		}
	}

	client := browser.NewClient(
		cfg.Browser.DebuggerURL,
		cfg.Browser.HandshakeTimeout,
		cfg.Browser.ReadLimitBytes,
		onFrame,
	)

	var producerWG sync.WaitGroup
	producerWG.Add(1)
	go func() {
		defer producerWG.Done()
		runSession(ctx, client, cfg.Browser.ReconnectInterval)
	}()

	poller := browser.NewPoller(
		client,
		cfg.Browser.PollInterval,
		cfg.Browser.ErrorBackoff,
		cfg.Browser.DriftMissLimit,
		func(sample classifier.Sample) {
			tick := classifier.Classify(sample)
			enqueue(models.Signal{Kind: models.SignalTick, TS: tick.TS, Tick: &tick})
		},
		func(misses int) {
			logger.Warn("Instrumentation drift reported after %d consecutive misses", misses)
		},
	)
	producerWG.Add(1)
	go func() {
		defer producerWG.Done()
		poller.Run(ctx)
	}()

	logger.Info("Collector started (poll: %v, start/end confirmations: %d/%d, sources: %s)",
		cfg.Browser.PollInterval,
		cfg.Segment.StartConfirmations,
		cfg.Segment.EndConfirmations,
		cfg.Browser.SourcePreference,
	)

	<-ctx.Done()
	producerWG.Wait()
	close(signals)
	consumerWG.Wait()

	// Forced closure must happen while the storage handle is still open.
	engine.ForceClose()
	logger.Info("Collector stopped")
}

// runSession keeps one CDP session alive, reconnecting on loss until the
// context is cancelled. A lost session is a transient failure, never fatal.
func runSession(ctx context.Context, client *browser.Client, reconnectInterval time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := client.Connect(ctx); err != nil {
			logger.Warn("Failed to connect to debugger, retrying in %v: %v", reconnectInterval, err)
		} else if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Debugger session ended, reconnecting in %v: %v", reconnectInterval, err)
		}
		select {
		case <-time.After(reconnectInterval):
		case <-ctx.Done():
			return
		}
	}
}

// frameSource maps a capture channel to an event source under the configured
// preference. The second result reports whether the channel may drive the
// segmentation engine; outbound websocket frames are recorded but never
// drive it.
func frameSource(preference string, channel models.Channel) (models.EventSourceType, bool) {
	switch channel {
	case models.ChannelWSIn:
		if preference == "console" {
			return models.EventSourceWebsocket, false
		}
		return models.EventSourceWebsocket, true
	case models.ChannelWSOut:
		return models.EventSourceWebsocket, false
	case models.ChannelConsole:
		if preference == "ws" {
			return models.EventSourceConsole, false
		}
		return models.EventSourceConsole, true
	default:
		return "", false
	}
}
