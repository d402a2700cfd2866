// Command coordinatord runs the coordinator daemon: it assembles the
// Frontier Registry, the schema registry client (when a registry URL is
// configured), and the single-threaded Coordinator actor, then serves
// Prometheus metrics until terminated. No oneshot ingest dispatcher is
// built here.
//
// The SQL catalogue, planner, and pgwire front-end are external
// collaborators this daemon does not implement; main wires the Coordinator
// against a placeholder Catalog until that integration lands.
//
// Grounded on cmd/ratelimiter-api/main.go's flag-driven bootstrap and
// signal-triggered graceful shutdown shape, adapted to this daemon's own
// components in place of the rate limiter's store/worker/API server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joeycumines/logiface"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/config"
	"github.com/coredbio/core/internal/coordinator"
	"github.com/coredbio/core/internal/corelog"
	"github.com/coredbio/core/internal/frontier"
	"github.com/coredbio/core/internal/ingest"
	"github.com/coredbio/core/internal/metrics"
	"github.com/coredbio/core/internal/schemaregistry"
	"github.com/coredbio/core/internal/wire"
)

func main() {
	listenAddr := flag.String("listen", "", "pgwire listen address (e.g. :6875)")
	logLevel := flag.String("log_level", "", "minimum log level (debug, info, notice, warning, err)")
	metricsAddr := flag.String("metrics_addr", "", "Prometheus /metrics listen address (e.g. :9090)")
	compactionWindowMs := flag.Uint64("compaction_window_ms", 0, "default since-advancement compaction window, in milliseconds")
	copyThresholdBytes := flag.Int("copy_batch_threshold_bytes", 0, "STDIN COPY flush threshold, in bytes")
	copyWorkers := flag.Int("copy_workers", 0, "STDIN COPY fan-out worker count (0: GOMAXPROCS)")
	schemaRegistryURL := flag.String("schema_registry_url", "", "schema registry base URL")
	schemaCacheSize := flag.Int("schema_cache_size", 0, "schema registry client LRU cache size")
	flag.Parse()

	var opts []config.Option
	if *listenAddr != "" {
		opts = append(opts, config.WithListenAddr(*listenAddr))
	}
	if *logLevel != "" {
		opts = append(opts, config.WithLogLevel(*logLevel))
	}
	if *metricsAddr != "" {
		opts = append(opts, config.WithMetricsAddr(*metricsAddr))
	}
	if *compactionWindowMs > 0 {
		opts = append(opts, config.WithCompactionWindowMs(*compactionWindowMs))
	}
	if *copyThresholdBytes > 0 {
		opts = append(opts, config.WithCopyBatchThresholdBytes(*copyThresholdBytes))
	}
	if *copyWorkers > 0 {
		opts = append(opts, config.WithCopyNumWorkers(*copyWorkers))
	}
	if *schemaRegistryURL != "" {
		opts = append(opts, config.WithSchemaRegistryURL(*schemaRegistryURL))
	}
	if *schemaCacheSize > 0 {
		opts = append(opts, config.WithSchemaCacheSize(*schemaCacheSize))
	}
	cfg := config.New(opts...)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel(cfg.LogLevel)})
	log := corelog.New(handler, logifaceLevel(cfg.LogLevel))
	log.Info().Str("listen_addr", cfg.ListenAddr).Log("coordinatord starting")

	reg := frontier.New(cfg.SinceProposalBuffer)
	metricsReg := metrics.New()

	if cfg.SchemaRegistryURL != "" {
		client, err := schemaregistry.New(httpFetcher{baseURL: cfg.SchemaRegistryURL}, cfg.SchemaCacheSize)
		if err != nil {
			log.Emerg().Str("error", err.Error()).Log("building schema registry client")
			os.Exit(1)
		}
		// client is handed to the planner once statement handling lands;
		// retained here only to exercise its construction against cfg.
		_ = client
	}

	// fanout and dispatcher are constructed per-COPY/per-ingest by the
	// pgwire front-end once it lands; NewFanout here only documents the
	// wiring point against cfg's threshold and worker-count knobs.
	_ = ingest.NewFanout(nil, nil, nil, cfg.CopyNumWorkers, antichain.MinTimestamp, cfg.CopyBatchThresholdBytes)

	coord := coordinator.New(
		placeholderCatalog{},
		reg,
		noopBroadcaster{},
		nil,
		nil,
		log,
		metricsReg,
		func() antichain.Uint64 { return antichain.Uint64(time.Now().UnixMilli()) },
		"mz_epoch_ms",
		256,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info().Str("metrics_addr", cfg.MetricsAddr).Log("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Err().Str("error", err.Error()).Log("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Notice().Log("coordinatord shutting down")
}

// noopBroadcaster discards every worker command; it is replaced once the
// dataflow worker transport lands.
type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(wire.Command) {}

// placeholderCatalog satisfies coordinator.Catalog with the emptiest
// correct answer for every query, until the external catalogue lands:
// nothing is unmaterialized (so peeks never fail on that account),
// schemas have no neighbors, and nothing is persisted.
type placeholderCatalog struct{}

func (placeholderCatalog) DependentIndexes(sources []antichain.Gid) (indexes, unmaterialized []antichain.Gid) {
	return nil, nil
}

func (placeholderCatalog) SchemaNeighbors(antichain.Gid) []antichain.Gid { return nil }

func (placeholderCatalog) IsPersisted(antichain.Gid) bool { return false }

func (placeholderCatalog) Transact(txn coordinator.CatalogTxn) (coordinator.DropEffects, error) {
	return txn.Apply()
}

// httpFetcher resolves schema registry subjects over a Confluent-compatible
// REST API: GET {baseURL}/subjects/{subject}/versions/{version}.
type httpFetcher struct {
	baseURL string
	client  http.Client
}

type httpSchemaResponse struct {
	Schema     string                     `json:"schema"`
	References []httpSchemaReferenceEntry `json:"references"`
}

type httpSchemaReferenceEntry struct {
	Subject string `json:"subject"`
	Version int    `json:"version"`
}

func (f httpFetcher) Fetch(ctx context.Context, id schemaregistry.SubjectID) (schemaregistry.Schema, error) {
	url := fmt.Sprintf("%s/subjects/%s/versions/%d", f.baseURL, id.Subject, id.Version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return schemaregistry.Schema{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return schemaregistry.Schema{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return schemaregistry.Schema{}, fmt.Errorf("schema registry: %s: status %d", url, resp.StatusCode)
	}
	var decoded httpSchemaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return schemaregistry.Schema{}, fmt.Errorf("schema registry: decoding %s: %w", url, err)
	}
	refs := make([]schemaregistry.SubjectID, len(decoded.References))
	for i, r := range decoded.References {
		refs[i] = schemaregistry.SubjectID{Subject: r.Subject, Version: r.Version}
	}
	return schemaregistry.Schema{ID: id, Encoded: []byte(decoded.Schema), References: refs}, nil
}

func slogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "err", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logifaceLevel(s string) logiface.Level {
	switch s {
	case "debug":
		return logiface.LevelDebug
	case "notice":
		return logiface.LevelNotice
	case "warning", "warn":
		return logiface.LevelWarning
	case "err", "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
