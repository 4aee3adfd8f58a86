package main

import (
	"StakeLedger/internal/config"
	"StakeLedger/internal/core"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/projection"
	"StakeLedger/internal/query"
	"StakeLedger/internal/relay"
	"StakeLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const replayPageSize = 1000

func main() {
	logger := observability.NewLogger("stakeledger")

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("StakeLedger starting")

	if err := cfg.RegisterAssets(); err != nil {
		logger.Fatal().Err(err).Msg("register assets")
	}
	genesisRate, err := cfg.GenesisRate()
	if err != nil {
		logger.Fatal().Err(err).Msg("genesis rate")
	}
	params, err := cfg.StakingParams()
	if err != nil {
		logger.Fatal().Err(err).Msg("staking params")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Badger state store ---
	store, err := persistence.OpenBadgerStore(cfg.Badger.Dir, cfg.Badger.InMemory, logger.With().Str("component", "badger").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("open state store")
	}
	defer store.Close()
	gcStop := make(chan struct{})
	defer close(gcStop)
	if !cfg.Badger.InMemory {
		go store.RunGC(5*time.Minute, gcStop)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureCommandStream(ctx, js, cfg.NATS.Stream); err != nil {
		logger.Fatal().Err(err).Msg("ensure command stream")
	}
	if err := ingestion.EnsureRecordStream(ctx, js, cfg.NATS.RecordStream); err != nil {
		logger.Fatal().Err(err).Msg("ensure record stream")
	}
	if err := relay.EnsureStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure relay stream")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.Channels.PersistSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Channels.ProjectionSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Channels.PersistSize)
	persistedChan := make(chan persistence.CoreOutput, cfg.Channels.PersistSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Channels.ProjectionSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Channels.PersistSize)
	submissions := make(chan core.Submission, cfg.Channels.CommandSize)
	snapshots := make(chan *core.SnapshotState, 1)

	bridge := relay.NewBridge(js, cfg.Channels.RelaySize, metrics, logger.With().Str("component", "relay").Logger())
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	engine, err := core.NewEngine(core.Config{
		GenesisRate:    genesisRate,
		Params:         params,
		LRUCapacity:    cfg.Limits.LRUCapacity,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		DBChecker:      dbChecker,
		Bonding:        bridge,
		Store:          store,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "engine").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create engine")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverEngine(ctx, engine, store, snapMgr, dbChecker, cfg.Limits.LRUCapacity, logger); err != nil {
		logger.Fatal().Err(err).Msg("recover engine state")
	}

	// --- Services ---
	queryService := query.NewQueryService(db, engine, metrics)
	ingestService := ingestion.NewGRPCIngestService(submissions)

	var auth *server.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth = server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn().Msg("auth.jwt_secret not set: gRPC/HTTP commands and account queries are refused")
	}

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Ingest:   ingestService,
		Queries:  queryService,
		EventLog: snapMgr,
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, logger.With().Str("component", "projection").Logger())
		},
		Auth:          auth,
		HealthChecker: healthChecker,
		Logger:        logger.With().Str("component", "server").Logger(),
	})

	// --- Goroutines ---
	errChan := make(chan error, 16)
	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, persistedChan,
		cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, logger.With().Str("component", "persistence").Logger())
	run("persistence worker", persistWorker.Run)

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, logger.With().Str("component", "projection").Logger())
	run("projection worker", projWorker.Run)

	recordPublisher := ingestion.NewRecordPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
	run("record publisher", recordPublisher.Run)

	run("relay bridge", bridge.Run)

	go bridgeCoreOutputs(ctx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, metrics, logger)
	go forwardPersisted(ctx, persistedChan, publishChan)
	go saveSnapshots(ctx, snapshots, snapMgr, metrics, logger)

	runner := &core.Runner{
		Engine:        engine,
		Submissions:   submissions,
		DrainInterval: cfg.Drain.Interval,
		DrainBudget:   cfg.Drain.Budget,
		SnapshotEvery: cfg.Persist.SnapshotInterval,
		Snapshots:     snapshots,
	}
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("engine runner: %w", err)
		}
	}()

	// --- NATS ingestion ---
	rawChan := make(chan ingestion.RawEvent, cfg.Channels.CommandSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "nats").Logger())
	if err := subscriber.Subscribe(ctx, cfg.NATS.Stream, ingestion.DefaultSubjects(cfg.NATS.ConsumerGroup), cfg.NATS.FetchBatch); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	router := ingestion.NewRouter(submissions, logger.With().Str("component", "router").Logger())
	go router.Run(ctx, rawChan)

	// --- gRPC, HTTP gateway, metrics ---
	run("grpc server", grpcServer.StartGRPC)
	run("http gateway", grpcServer.StartHTTPGateway)
	run("metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.Server.MetricsAddr, logger)
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("StakeLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()
	cancel()

	// The engine has stopped; capture what it committed. Rows still in
	// flight to Postgres are covered by the badger store on restart.
	select {
	case <-runnerDone:
	case <-time.After(10 * time.Second):
		// A commit blocked on the persist channel; badger holds its state.
		logger.Warn().Msg("engine runner did not stop; skipping final snapshot")
		return
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := takeSnapshot(shutdownCtx, engine.CreateSnapshotState(), snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("StakeLedger shutdown complete")
}

// recoverEngine restores committed state. The badger store is authoritative
// when present; otherwise the latest verified snapshot is restored and the
// event log replayed after it. Either way the dedup LRU is warmed.
func recoverEngine(
	ctx context.Context,
	engine *core.Engine,
	store *persistence.BadgerStore,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	lruCapacity int,
	logger zerolog.Logger,
) error {
	loaded, err := engine.LoadState()
	if err != nil {
		return fmt.Errorf("load state store: %w", err)
	}
	if loaded {
		logger.Info().Int64("next_sequence", engine.GetSequence()).Msg("state restored from badger")
	} else {
		from := int64(0)
		snap, err := snapMgr.LoadLatestSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if snap != nil {
			state, err := snap.ToEngine()
			if err != nil {
				return err
			}
			if err := engine.RestoreFromSnapshot(state); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			from = snap.Sequence + 1
			logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
		}

		replayed, err := snapMgr.ReplayFrom(ctx, engine, from, replayPageSize)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		logger.Info().Int("replayed", replayed).Int64("next_sequence", engine.GetSequence()).Msg("event log replayed")
	}

	keys, err := dbChecker.RecentKeys(ctx, lruCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("warm dedup LRU")
		return nil
	}
	engine.WarmLRU(keys)
	return nil
}

// bridgeCoreOutputs converts engine outputs to the persistence and projection
// formats, keeping core free of those imports.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			row, err := persistence.FromCore(output)
			if err != nil {
				logger.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("convert output for persistence")
				continue
			}
			select {
			case persistOut <- row:
			case <-ctx.Done():
				return
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}
			select {
			case projectionOut <- projection.FromCore(output):
			default:
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

// forwardPersisted publishes records only once their event is durable.
func forwardPersisted(ctx context.Context, in <-chan persistence.CoreOutput, out chan<- ingestion.PublishableEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-in:
			if len(row.Records) == 0 {
				continue
			}
			evt := ingestion.PublishableEvent{
				Sequence:       row.EventRow.Sequence,
				EventType:      row.EventRow.EventType,
				IdempotencyKey: row.EventRow.IdempotencyKey,
				Records:        row.Records,
				StateHash:      row.EventRow.StateHash,
				Timestamp:      row.EventRow.Timestamp,
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func saveSnapshots(
	ctx context.Context,
	in <-chan *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-in:
			if err := takeSnapshot(ctx, snap, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("periodic snapshot failed")
				continue
			}
			logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
		}
	}
}

// takeSnapshot stores a captured engine state. It is marked verified at once
// because it was taken from live state.
func takeSnapshot(ctx context.Context, snap *core.SnapshotState, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()
	data := persistence.FromEngine(snap, start.UTC())

	size, err := snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if _, err := snapMgr.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
