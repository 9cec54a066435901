package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bastion-ai/bastion/internal/adjudicator"
	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/config"
	"github.com/bastion-ai/bastion/internal/judge"
	"github.com/bastion-ai/bastion/internal/loop"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/probe"
	"github.com/bastion-ai/bastion/internal/provider"
	"github.com/bastion-ai/bastion/internal/redact"
	"github.com/bastion-ai/bastion/internal/server"
	"github.com/bastion-ai/bastion/internal/store"
	"github.com/bastion-ai/bastion/internal/synthesis"
	"github.com/bastion-ai/bastion/internal/telemetry"
	"github.com/bastion-ai/bastion/internal/warden"
)

var version = "dev"

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "bastion.yaml", "Path to bastion config file")
	noLoop := flag.Bool("no-loop", false, "Serve the gateway and API without running the improvement loop")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	addr := cfg.Server.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "bastion",
		Version:  version,
	})
	if err != nil {
		log.Fatalf("telemetry setup: %v", err)
	}
	defer tel.Shutdown(context.Background())

	// audit pipeline
	mem := audit.NewMemorySink(cfg.Audit.Retain)
	sinks := []audit.Sink{mem}
	if cfg.Audit.Dir != "" {
		if err := os.MkdirAll(cfg.Audit.Dir, 0o755); err != nil {
			log.Fatalf("create audit dir: %v", err)
		}
		fileSink, err := audit.NewFileSink(filepath.Join(cfg.Audit.Dir, "audit.jsonl"))
		if err != nil {
			log.Fatalf("open audit log: %v", err)
		}
		sinks = append(sinks, audit.NewScrubSink(cfg.Logging.Level, fileSink))
	}

	var persister *store.SQLitePersister
	if cfg.Audit.SQLitePath != "" {
		db, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			log.Fatalf("open audit database: %v", err)
		}
		defer db.Close()
		sqlSink, err := audit.NewSQLiteSink(db)
		if err != nil {
			log.Fatalf("prepare audit database: %v", err)
		}
		sinks = append(sinks, audit.NewScrubSink(cfg.Logging.Level, sqlSink))
		if persister, err = store.NewSQLitePersister(db); err != nil {
			log.Fatalf("prepare policy history: %v", err)
		}
	}
	emitter := audit.NewEmitter(audit.EmitterConfig{
		QueueSize: cfg.Audit.QueueSize,
		Workers:   cfg.Audit.Workers,
	}, sinks)
	defer emitter.Close(context.Background())

	// policy store, restored from disk when a history exists
	embedder := policy.LexicalEmbedder{}
	storeOpts := []store.Option{}
	if persister != nil {
		storeOpts = append(storeOpts, store.WithPersister(persister))
		if policies, v, err := persister.LoadLatest(); err != nil {
			log.Fatalf("restore policy snapshot: %v", err)
		} else if v > 0 {
			redact.Logf("restored policy snapshot %d with %d policies", v, len(policies))
			storeOpts = append(storeOpts, store.WithRestoredSnapshot(policies, v))
		}
	}
	st, err := store.New(embedder, storeOpts...)
	if err != nil {
		log.Fatalf("policy store: %v", err)
	}

	upstream := buildProvider(cfg)
	gateway := warden.New(st, upstream, cfg.Provider.Model, cfg.Provider.Timeout, emitter, tel)

	judges, err := buildJudges(cfg, upstream)
	if err != nil {
		log.Fatalf("judges: %v", err)
	}
	ensemble := adjudicator.New(judges, adjudicator.Config{
		Quorum:        cfg.Adjudicator.Quorum,
		MinResponders: cfg.Adjudicator.MinResponders,
		JudgeTimeout:  cfg.Adjudicator.JudgeTimeout,
	}, tel)

	synth := synthesis.NewSynthesizer(upstream, cfg.Provider.Model, embedder, cfg.Synthesis.SimilarityThreshold)
	validator, err := synthesis.NewValidator(cfg.Synthesis.FalsePositiveCeiling, cfg.Synthesis.RegressionCorpus, embedder)
	if err != nil {
		log.Fatalf("validator: %v", err)
	}
	deployer := synthesis.NewDeployer(st, validator, emitter, tel)

	var generator probe.Generator
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	switch cfg.Probe.Strategy {
	case "llm":
		generator = probe.NewLLM(upstream, cfg.Probe.Model, rng)
	default:
		generator = probe.NewMutator(rng)
	}

	coord := loop.New(loop.Config{
		Workers:                cfg.Loop.Workers,
		Interval:               cfg.Loop.Interval,
		ProbeTimeout:           cfg.Probe.Timeout,
		SynthesisTimeout:       cfg.Synthesis.Timeout,
		BackoffBase:            cfg.Loop.BackoffBase,
		BackoffMax:             cfg.Loop.BackoffMax,
		MaxConsecutiveFailures: cfg.Loop.MaxConsecutiveFailures,
		HistoryWindow:          cfg.Probe.History,
	}, generator, gateway, ensemble, synth, deployer, mem, emitter, tel)

	srv := server.New(gateway, st, deployer, coord, mem, version)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	errCh := make(chan error, 2)
	go func() {
		redact.Logf("bastion listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if !*noLoop {
		go func() {
			if err := coord.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	} else {
		redact.Logf("improvement loop disabled via -no-loop")
	}

	select {
	case <-ctx.Done():
		redact.Logf("shutting down")
	case err := <-errCh:
		redact.Logf("fatal: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func buildProvider(cfg *config.Config) provider.Provider {
	var upstream provider.Provider
	switch cfg.Provider.Type {
	case "fake":
		upstream = provider.NewFake()
	default:
		apiKey := ""
		if cfg.Provider.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.Provider.APIKeyEnv)
		}
		upstream = provider.NewOpenAI(cfg.Provider.BaseURL, apiKey, cfg.Provider.Timeout, 0)
	}
	return provider.NewRetrying(upstream, cfg.Provider.MaxAttempts, cfg.Loop.BackoffBase, cfg.Loop.BackoffMax)
}

func buildJudges(cfg *config.Config, upstream provider.Provider) ([]judge.Judge, error) {
	judges := make([]judge.Judge, 0, len(cfg.Judges))
	for _, jc := range cfg.Judges {
		switch jc.Type {
		case "keyword":
			judges = append(judges, judge.NewKeyword(jc.Name, jc.Threshold))
		case "llm":
			judges = append(judges, judge.NewLLM(jc.Name, jc.Threshold, jc.Model, upstream))
		case "onnx":
			j, err := judge.NewONNX(jc.Name, jc.Threshold, jc.BundleDir, 0)
			if err != nil {
				return nil, err
			}
			judges = append(judges, j)
		}
	}
	return judges, nil
}
