// udplat measures per-packet UDP send latency in the kernel with eBPF probes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/udplat/internal/attributes"
	"github.com/mrzor/udplat/internal/bpfloader"
	"github.com/mrzor/udplat/internal/config"
	"github.com/mrzor/udplat/internal/correlator"
	"github.com/mrzor/udplat/internal/eventstream"
	"github.com/mrzor/udplat/internal/otel"
	"github.com/mrzor/udplat/internal/output"
	"github.com/mrzor/udplat/internal/procmeta"
	"github.com/mrzor/udplat/internal/record"
	"github.com/mrzor/udplat/internal/stage"
	"github.com/mrzor/udplat/internal/timesync"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid UDPLAT_LOG_LEVEL: %w", err)
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

// loadTable returns the stage table from the configured file or the built-in
// UDP send path, with the output unit applied.
func loadTable(cfg *config.Config) (*stage.Table, error) {
	table := stage.Default()
	if cfg.StagesFile != "" {
		var err error
		table, err = stage.Load(cfg.StagesFile)
		if err != nil {
			return nil, err
		}
		log.Infof("Loaded %d stages from %s", table.Len(), cfg.StagesFile)
	}

	if cfg.Unit != "" {
		unit, err := record.ParseUnit(cfg.Unit)
		if err != nil {
			return nil, err
		}
		table = table.WithUnit(unit)
	}
	return table, nil
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(runID string) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	tp, err := otel.InitProvider(otelCfg, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			log.Errorf("Error shutting down OTEL provider: %v", err)
		}
	}

	return tp.Tracer("udplat"), cleanup, nil
}

// setupSinks builds the record pipeline: text to stdout, optionally spans,
// behind the record filter.
func setupSinks(cfg *config.Config, table *stage.Table, runID string) (output.Sink, func(), error) {
	sinks := output.Multi{output.NewTextSink(os.Stdout, table)}
	cleanup := func() {}

	if cfg.OTEL {
		tracer, cleanupOTEL, err := setupOTEL(runID)
		if err != nil {
			return nil, nil, err
		}
		cleanup = cleanupOTEL

		converter, err := timesync.NewConverter()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to create time converter: %w", err)
		}

		evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes)
		if err != nil {
			cleanup()
			return nil, nil, err
		}

		procs := procmeta.NewManager()
		procsCtx, stopProcs := context.WithCancel(context.Background())
		go procs.Run(procsCtx)
		cleanup = func() {
			stopProcs()
			cleanupOTEL()
		}

		sinks = append(sinks, output.NewOTELSink(tracer, converter, evaluator,
			output.WithProcessMetadata(procs),
		))
	} else if len(cfg.CustomAttributes) > 0 {
		log.Warnf("Ignoring %d custom attributes: span export is disabled (use --otel)", len(cfg.CustomAttributes))
	}

	if cfg.Filter == "" {
		return sinks, cleanup, nil
	}

	filter, err := attributes.NewFilter(cfg.Filter)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	log.Infof("Filtering records with %q", filter)
	return output.NewFilterSink(filter, sinks), cleanup, nil
}

// setupBPF loads one probe per stage, attaches them and opens the ring buffer.
func setupBPF(table *stage.Table, ringSize int) (*bpfloader.Loader, *ringbuf.Reader, error) {
	loader, err := bpfloader.New(table, ringSize)
	if err != nil {
		return nil, nil, err
	}

	if err := loader.Attach(); err != nil {
		return nil, nil, err
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		if closeErr := loader.Close(); closeErr != nil {
			log.Errorf("Error closing loader after ring buffer open failure: %v", closeErr)
		}
		return nil, nil, err
	}

	return loader, rd, nil
}

func logStats(engine *correlator.Engine, stream *eventstream.Stream) {
	es := engine.Stats()
	ss := stream.Stats()
	log.WithFields(log.Fields{
		"samples":   ss.Samples,
		"malformed": ss.Malformed,
		"filtered":  ss.Filtered,
	}).Info("Stream stats")
	log.WithFields(log.Fields{
		"events":     es.Events,
		"started":    es.Started,
		"completed":  es.Completed,
		"aborted":    es.Aborted,
		"duplicates": es.Duplicates,
		"evicted":    es.Evicted,
		"anomalous":  es.Anomalous,
	}).Info("Correlation stats")
}

func run() error {
	cfg, err := config.ParseArgs(os.Args)
	if errors.Is(err, config.ErrHelp) {
		fmt.Print(config.Usage(os.Args[0]))
		return nil
	}
	if err != nil {
		return err
	}

	if err := setupLogging(cfg.Env.LogLevel); err != nil {
		return err
	}

	runID := uuid.NewString()
	log.Infof("Starting udplat %s (commit: %s, run: %s)", version, commit, runID)

	table, err := loadTable(cfg)
	if err != nil {
		return err
	}

	sink, cleanupSinks, err := setupSinks(cfg, table, runID)
	if err != nil {
		return err
	}
	defer cleanupSinks()

	engine := correlator.New(table, sink,
		correlator.WithShards(cfg.Env.Shards),
		correlator.WithCapacity(cfg.Env.MaxContexts),
	)

	loader, rd, err := setupBPF(table, cfg.Env.RingbufSize)
	if err != nil {
		return err
	}

	callbacks, err := eventstream.Bind(engine)
	if err != nil {
		_ = rd.Close()     //nolint:errcheck // best-effort cleanup in error path
		_ = loader.Close() //nolint:errcheck // best-effort cleanup in error path
		return err
	}

	var opts []eventstream.Option
	if cfg.PID != 0 {
		opts = append(opts, eventstream.WithPID(cfg.PID))
		log.Infof("Tracing PID %d", cfg.PID)
	}
	stream := eventstream.New(rd, callbacks, opts...)

	if h, ok := sink.(output.Header); ok {
		if err := h.WriteHeader(); err != nil {
			log.Warnf("Error writing header: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := stream.Start(ctx); err != nil {
		return err
	}
	go engine.RunEviction(ctx, cfg.Env.SweepInterval, cfg.Env.IdleTimeout)

	<-ctx.Done()
	log.Info("Received signal, shutting down...")

	if err := stream.Stop(); err != nil {
		log.Errorf("Error stopping event stream: %v", err)
	}
	if err := loader.Close(); err != nil {
		log.Errorf("Error closing loader: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Errorf("Error clearing correlation state: %v", err)
	}
	logStats(engine, stream)

	return nil
}
