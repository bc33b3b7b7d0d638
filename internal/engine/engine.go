// Package engine wires the ingestion pipeline together: per-series
// sharded workers folding samples into baselines and events, the
// alert tick scheduler, and the ops HTTP surface.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wattboard/internal/alerts"
	"wattboard/internal/baseline"
	"wattboard/internal/config"
	"wattboard/internal/detector"
	"wattboard/internal/dispatch"
	"wattboard/internal/logger"
	"wattboard/internal/metrics"
	"wattboard/internal/models"
	"wattboard/internal/storage"
)

var ErrEngineClosed = errors.New("engine is closed")

// task is one unit of shard work: a sample to fold, or a control
// sweep checking for silent series.
type task struct {
	sample *models.Sample
	sweep  *time.Time
}

// shard owns the sequential state for the series hashed onto it. Each
// shard has its own tracker and detector, so sample processing never
// takes a cross-shard lock.
type shard struct {
	id       int
	queue    chan task
	tracker  *baseline.Tracker
	detector *detector.Detector
}

// Engine routes samples to shards and runs the periodic schedulers.
// Samples for the same device/metric always land on the same shard,
// which preserves per-series ordering.
type Engine struct {
	cfg    config.Config
	store  *storage.Storage
	alerts *alerts.Engine
	queue  *dispatch.Queue
	log    zerolog.Logger

	shards []*shard
	wg     sync.WaitGroup
	stop   chan struct{}
	closed atomic.Bool

	httpServer *http.Server
	startedAt  time.Time

	samplesProcessed atomic.Uint64
	samplesRejected  atomic.Uint64
}

// New builds the engine. The dispatch queue is only used for stats and
// health; firings reach it through the alert engine.
func New(cfg config.Config, store *storage.Storage, alertEngine *alerts.Engine, queue *dispatch.Queue) *Engine {
	e := &Engine{
		cfg:    cfg,
		store:  store,
		alerts: alertEngine,
		queue:  queue,
		stop:   make(chan struct{}),
		log:    logger.WithComponent("engine"),
	}

	baselineCfg := baseline.Config{
		Alpha:           cfg.Baseline.Alpha,
		WarmUpThreshold: cfg.Baseline.WarmUpThreshold,
	}
	detectorCfg := detector.Config{
		ZOpen:           cfg.Detector.ZOpen,
		ZClose:          cfg.Detector.ZClose,
		GracePeriod:     cfg.Detector.GracePeriod,
		SilenceTimeout:  cfg.Detector.SilenceTimeout,
		LatenessWindow:  cfg.Detector.LatenessWindow,
		WarmUpThreshold: cfg.Baseline.WarmUpThreshold,
	}

	site := func(deviceID string) string {
		siteID, err := store.DeviceSite(deviceID)
		if err != nil {
			e.log.Error().Err(err).Str("device_id", deviceID).Msg("site lookup failed")
			return ""
		}
		return siteID
	}

	e.shards = make([]*shard, cfg.Engine.Shards)
	for i := range e.shards {
		e.shards[i] = &shard{
			id:       i,
			queue:    make(chan task, cfg.Engine.ShardQueueSize),
			tracker:  baseline.NewTracker(baselineCfg),
			detector: detector.New(detectorCfg, store, site),
		}
	}
	metrics.ShardQueueCapacity.Set(float64(cfg.Engine.Shards * cfg.Engine.ShardQueueSize))
	return e
}

// Start recovers open events, launches the shard workers and
// schedulers, and brings up the ops HTTP listener.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()

	open, err := e.store.OpenEvents()
	if err != nil {
		return fmt.Errorf("failed to recover open events: %w", err)
	}
	for i := range open {
		ev := open[i]
		if len(ev.DeviceIDs) == 0 {
			continue
		}
		s := e.shardFor(ev.DeviceIDs[0], ev.MetricKey)
		s.detector.Recover([]models.Event{ev})
	}

	for _, s := range e.shards {
		e.wg.Add(1)
		go e.runShard(s)
	}

	e.wg.Add(1)
	go e.runSchedulers(ctx)

	e.startHTTP()

	e.log.Info().
		Int("shards", len(e.shards)).
		Int("shard_queue_size", e.cfg.Engine.ShardQueueSize).
		Str("http_addr", e.cfg.Engine.HTTPAddr).
		Msg("engine started")
	return nil
}

// Submit routes one sample to its shard, blocking while the shard
// queue is full. Safe to call from any goroutine.
func (e *Engine) Submit(sample *models.Sample) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	sample.Normalize()
	if err := sample.Validate(); err != nil {
		metrics.SamplesRejectedTotal.WithLabelValues("invalid").Inc()
		return err
	}
	// Selecting against stop means a submitter racing Shutdown gets an
	// error instead of blocking on a queue nobody drains anymore.
	select {
	case e.shardFor(sample.DeviceID, sample.MetricKey).queue <- task{sample: sample}:
		return nil
	case <-e.stop:
		return ErrEngineClosed
	}
}

func (e *Engine) shardFor(deviceID, metricKey string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	h.Write([]byte{'/'})
	h.Write([]byte(metricKey))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func (e *Engine) runShard(s *shard) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("shard").Inc()
			e.log.Error().Interface("panic", r).Int("shard", s.id).Msg("shard worker panic, restarting")
			e.wg.Add(1)
			go e.runShard(s)
		}
	}()

	for {
		select {
		case t := <-s.queue:
			e.run(s, t)
		case <-e.stop:
			// Drain whatever was queued before the stop, then exit.
			// The queue itself stays open so concurrent submitters
			// never hit a closed channel.
			for {
				select {
				case t := <-s.queue:
					e.run(s, t)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) run(s *shard, t task) {
	if t.sweep != nil {
		s.detector.Sweep(*t.sweep)
		return
	}
	e.apply(s, t.sample)
}

// apply is the per-sample fold: append, score against the baseline as
// it stood before this sample, update the baseline, then re-evaluate
// alerts. Runs on exactly one goroutine per series.
func (e *Engine) apply(s *shard, sample *models.Sample) {
	start := time.Now()
	defer func() {
		metrics.IngestApplyDuration.Observe(time.Since(start).Seconds())
	}()

	if err := e.store.AppendSample(sample); err != nil {
		e.samplesRejected.Add(1)
		log := logger.WithSeries(e.log, sample.DeviceID, sample.MetricKey)
		if errors.Is(err, storage.ErrRejectedLate) {
			metrics.SamplesRejectedTotal.WithLabelValues("late").Inc()
			log.Debug().Time("ts", sample.Timestamp).Msg("sample outside lateness window")
		} else {
			metrics.SamplesRejectedTotal.WithLabelValues("store").Inc()
			log.Error().Err(err).Msg("sample append failed")
		}
		return
	}

	prior, _ := s.tracker.Get(sample.DeviceID, sample.MetricKey)
	s.tracker.Update(sample)
	s.detector.OnSample(sample, prior)
	e.alerts.OnSample(sample)

	e.samplesProcessed.Add(1)
}

func (e *Engine) runSchedulers(ctx context.Context) {
	defer e.wg.Done()

	nodata := time.NewTicker(e.cfg.Alerts.NoDataTick)
	defer nodata.Stop()
	sweep := time.NewTicker(e.cfg.Detector.SilenceTimeout / 2)
	defer sweep.Stop()
	stats := time.NewTicker(30 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-nodata.C:
			e.alerts.Tick(now)
		case now := <-sweep.C:
			// Sweeps ride the shard queues so they serialize with
			// sample processing.
			at := now
			for _, s := range e.shards {
				select {
				case s.queue <- task{sweep: &at}:
				default:
					// A saturated shard gets the next sweep instead.
				}
			}
		case <-stats.C:
			e.reportStats()
		}
	}
}

func (e *Engine) reportStats() {
	queued := 0
	for _, s := range e.shards {
		queued += len(s.queue)
	}
	metrics.ShardQueueSize.Set(float64(queued))

	ev := e.log.Info().
		Uint64("samples_processed", e.samplesProcessed.Load()).
		Uint64("samples_rejected", e.samplesRejected.Load()).
		Int("shard_queue_depth", queued)
	if e.queue != nil {
		ds := e.queue.Stats()
		ev = ev.Uint64("dispatch_sent", ds.Sent).
			Uint64("dispatch_failed", ds.Failed).
			Int("dispatch_pending", ds.Pending)
	}
	ev.Msg("engine stats")
}

func (e *Engine) startHTTP() {
	if e.cfg.Engine.HTTPAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", e.handleHealth)
	mux.HandleFunc("/stats", e.handleStats)

	e.httpServer = &http.Server{
		Addr:         e.cfg.Engine.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error().Err(err).Msg("ops http server failed")
		}
	}()
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"storage": "ok", "dispatch": "ok"}
	if err := e.store.Ping(); err != nil {
		checks["storage"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if e.queue != nil {
		if err := e.queue.HealthCheck(ctx); err != nil {
			checks["dispatch"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(checks)
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	queues := make([]int, len(e.shards))
	for i, s := range e.shards {
		queues[i] = len(s.queue)
	}
	stats := map[string]any{
		"uptime_seconds":    time.Since(e.startedAt).Seconds(),
		"samples_processed": e.samplesProcessed.Load(),
		"samples_rejected":  e.samplesRejected.Load(),
		"shard_queues":      queues,
	}
	if e.queue != nil {
		stats["dispatch"] = e.queue.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// Shutdown stops intake, drains the shard queues and closes the ops
// listener. The dispatch queue is closed by the caller after the
// engine stops producing firings.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	e.log.Info().Msg("engine shutting down")

	close(e.stop)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shard drain timed out: %w", ctx.Err())
	}

	if e.httpServer != nil {
		if err := e.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("ops http shutdown: %w", err)
		}
	}
	e.log.Info().Msg("engine stopped")
	return nil
}
