package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"LevVault/internal/config"
	"LevVault/internal/core"
	"LevVault/internal/observability"
	"LevVault/internal/persistence"
	"LevVault/internal/publish"
	"LevVault/internal/server"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const replayBatchSize = 10_000

func main() {
	godotenv.Load()

	log := observability.NewLogger("vaultd")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("ping postgres")
	}
	cancel()

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Channels ---
	persistChan := make(chan core.Output, cfg.PersistChanCapacity)
	publishChan := make(chan core.Output, cfg.PublishChanCapacity)

	// --- Snapshot restore + replay ---
	snapshotMgr := persistence.NewSnapshotManager(db)

	snap, err := snapshotMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load snapshot")
	}

	engine := core.NewEngine(0, persistChan, publishChan, metrics)
	replayFrom := int64(0)
	if snap != nil {
		state := &core.SnapshotState{Sequence: snap.Sequence, Vault: snap.Vault}
		copy(state.StateHash[:], snap.StateHash)
		if err := engine.RestoreFromSnapshot(state); err != nil {
			log.Fatal().Err(err).Msg("restore snapshot")
		}
		replayFrom = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Msg("restored from snapshot")
	}

	replayStart := time.Now()
	replayed := 0
	for {
		rows, err := snapshotMgr.LoadCallsFrom(ctx, replayFrom, replayBatchSize)
		if err != nil {
			log.Fatal().Err(err).Msg("load calls for replay")
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			ct, err := core.ParseCallType(row.CallType)
			if err != nil {
				log.Fatal().Err(err).Int64("sequence", row.Sequence).Msg("replay: bad call type")
			}
			call, err := core.ParseCall(ct, row.Payload)
			if err != nil {
				log.Fatal().Err(err).Int64("sequence", row.Sequence).Msg("replay: bad payload")
			}
			if err := engine.Replay(call); err != nil {
				log.Fatal().Err(err).Int64("sequence", row.Sequence).Msg("replay: call rejected")
			}
			replayed++
		}
		metrics.ReplayCallsTotal.Add(float64(len(rows)))
		replayFrom = rows[len(rows)-1].Sequence + 1
	}
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
	log.Info().
		Int("calls", replayed).
		Dur("took", time.Since(replayStart)).
		Int64("next_sequence", engine.GetSequence()).
		Msg("replay complete")

	// --- Persistence worker ---
	persistRows := make(chan persistence.CallRow, cfg.PersistChanCapacity)
	worker := persistence.NewWorker(
		db, persistRows, cfg.PersistBatchSize, cfg.PersistFlushTimeout.Duration,
		metrics, observability.NewLogger("persistence"),
	)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	go func() {
		if err := worker.Run(workerCtx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("persistence worker stopped")
		}
	}()

	// Bridge engine output to persistence rows.
	go func() {
		for out := range persistChan {
			r := out.Record
			persistRows <- persistence.CallRow{
				RecordID:  r.RecordID.String(),
				Sequence:  r.Sequence,
				CallType:  r.CallType.String(),
				Caller:    r.Caller.String(),
				Payload:   r.Payload,
				StateHash: r.StateHash[:],
				PrevHash:  r.PrevHash[:],
				Timestamp: r.Timestamp,
			}
		}
		close(persistRows)
	}()

	// --- NATS publisher ---
	if cfg.PublishEnabled {
		natsLog := observability.NewLogger("publish")
		nc, js, err := publish.ConnectNATS(cfg.NATSURL, natsLog)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer nc.Close()

		if err := publish.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure nats stream")
		}

		pubRecords := make(chan publish.PublishableRecord, cfg.PublishChanCapacity)
		publisher := publish.NewPublisher(js, pubRecords, metrics, natsLog)

		go func() {
			if err := publisher.Run(workerCtx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("publisher stopped")
			}
		}()

		go func() {
			for out := range publishChan {
				r := out.Record
				rec := publish.PublishableRecord{
					Sequence:  r.Sequence,
					RecordID:  r.RecordID.String(),
					CallType:  r.CallType.String(),
					Caller:    r.Caller.String(),
					Payload:   r.Payload,
					StateHash: r.StateHash[:],
					Timestamp: r.Timestamp,
				}
				select {
				case pubRecords <- rec:
				default:
					metrics.PublishDrops.Inc()
				}
			}
			close(pubRecords)
		}()
	} else {
		// Drain so the engine's non-blocking sends stay cheap.
		go func() {
			for range publishChan {
			}
		}()
	}

	// --- Engine ---
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	go engine.Run(engineCtx)

	// --- Channel utilization sampling ---
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}()

	// --- Periodic snapshots ---
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		lastSaved := replayFrom - 1

		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				state, err := engine.Snapshot(workerCtx)
				if err != nil {
					continue
				}
				if state.Sequence-lastSaved < cfg.SnapshotInterval {
					continue
				}
				if err := saveSnapshot(workerCtx, snapshotMgr, state, metrics); err != nil {
					log.Error().Err(err).Msg("periodic snapshot failed")
					continue
				}
				lastSaved = state.Sequence
				log.Info().Int64("sequence", state.Sequence).Msg("snapshot saved")
			}
		}
	}()

	// --- Servers ---
	httpSrv := server.NewHTTPServer(engine, health, metrics, observability.NewLogger("http"))
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: httpSrv.Handler()}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, observability.NewLogger("grpc"))
	go func() {
		if err := grpcServer.Start(workerCtx); err != nil {
			log.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	health.SetReady(true)
	grpcServer.SetServing(true)
	log.Info().Msg("vaultd ready")

	// --- Shutdown ---
	<-ctx.Done()
	log.Info().Msg("shutting down")

	health.SetReady(false)
	grpcServer.SetServing(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	// Final snapshot while the engine is still serving.
	if state, err := engine.Snapshot(shutdownCtx); err == nil {
		if err := saveSnapshot(shutdownCtx, snapshotMgr, state, metrics); err != nil {
			log.Error().Err(err).Msg("final snapshot failed")
		} else {
			log.Info().Int64("sequence", state.Sequence).Msg("final snapshot saved")
		}
	}

	stopEngine()
	close(persistChan)
	close(publishChan)

	// Give the persistence worker time to flush the tail of the log.
	time.Sleep(2 * cfg.PersistFlushTimeout.Duration)
	stopWorkers()

	log.Info().Msg("vaultd stopped")
}

func saveSnapshot(
	ctx context.Context,
	mgr *persistence.SnapshotManager,
	state *core.SnapshotState,
	metrics *observability.Metrics,
) error {
	start := time.Now()
	snap := &persistence.SnapshotData{
		Sequence:  state.Sequence,
		StateHash: state.StateHash[:],
		Vault:     state.Vault,
		CreatedAt: time.Now().UTC(),
	}
	size, err := mgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	// The image came straight from the live engine, so it is trusted as-is.
	if err := mgr.MarkVerified(ctx, state.Sequence); err != nil {
		return err
	}
	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	return nil
}
