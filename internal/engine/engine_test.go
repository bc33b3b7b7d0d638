package engine

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"wattboard/internal/alerts"
	"wattboard/internal/config"
	"wattboard/internal/models"
	"wattboard/internal/storage"
)

type nopDispatcher struct{}

func (nopDispatcher) Enqueue(d *models.Dispatch) error { return nil }

func testEngine(t *testing.T) (*Engine, *storage.Storage) {
	t.Helper()

	cfg := *config.Default()
	cfg.Engine.Shards = 2
	cfg.Engine.ShardQueueSize = 64
	cfg.Engine.HTTPAddr = "" // no ops listener in tests
	cfg.Alerts.NoDataTick = time.Hour

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"), cfg.Storage.MaxLateness)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	alertEngine := alerts.New(alerts.Config{MinRefireInterval: cfg.Alerts.MinRefireInterval}, store, nopDispatcher{})
	return New(cfg, store, alertEngine, nil), store
}

func TestShardRoutingIsStable(t *testing.T) {
	e, _ := testEngine(t)

	first := e.shardFor("main-meter", "power_w")
	for i := 0; i < 100; i++ {
		if e.shardFor("main-meter", "power_w") != first {
			t.Fatal("series moved between shards")
		}
	}

	// Different series spread over shards rather than collapsing onto
	// one; with two shards and many series at least one must differ.
	devices := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	spread := false
	for _, d := range devices {
		if e.shardFor(d, "power_w") != first {
			spread = true
			break
		}
	}
	if !spread {
		t.Fatal("all series hashed onto a single shard")
	}
}

func TestPipelineAppliesSamples(t *testing.T) {
	e, store := testEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Add(-10 * time.Minute)
	for i := 0; i < 5; i++ {
		err := e.Submit(&models.Sample{
			DeviceID:  "main-meter",
			MetricKey: "power_w",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     1200,
			Unit:      "W",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}

	if got := e.samplesProcessed.Load(); got != 5 {
		t.Fatalf("processed = %d, want 5", got)
	}
	value, ts, err := store.LatestValue("main-meter", "power_w")
	if err != nil {
		t.Fatal(err)
	}
	if value != 1200 {
		t.Fatalf("latest value = %v, want 1200", value)
	}
	if !ts.Equal(base.Add(4 * time.Minute).Truncate(time.Nanosecond)) {
		t.Fatalf("latest ts = %v, want %v", ts, base.Add(4*time.Minute))
	}
}

func TestSubmitRejectsInvalidSample(t *testing.T) {
	e, _ := testEngine(t)
	err := e.Submit(&models.Sample{MetricKey: "power_w", Timestamp: time.Now(), Value: 1})
	if err == nil {
		t.Fatal("sample without device id accepted")
	}
}

func TestLateSampleCountsAsRejected(t *testing.T) {
	e, _ := testEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	err := e.Submit(&models.Sample{
		DeviceID:  "main-meter",
		MetricKey: "power_w",
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Value:     1200,
	})
	if err != nil {
		t.Fatal(err) // rejection is the shard's call, Submit accepts it
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}

	if got := e.samplesRejected.Load(); got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
	if got := e.samplesProcessed.Load(); got != 0 {
		t.Fatalf("processed = %d, want 0", got)
	}
}

func TestConcurrentSubmitSurvivesShutdown(t *testing.T) {
	e, _ := testEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Hammer Submit from several goroutines while Shutdown races them.
	// A submitter that loses the race must get ErrEngineClosed, never a
	// send on a closed channel.
	var wg sync.WaitGroup
	panicked := make(chan any, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicked <- r
				}
			}()
			base := time.Now().UTC()
			for i := 0; ; i++ {
				err := e.Submit(&models.Sample{
					DeviceID:  "meter-" + strconv.Itoa(g),
					MetricKey: "power_w",
					Timestamp: base.Add(time.Duration(i) * time.Second),
					Value:     1200,
				})
				if err == ErrEngineClosed {
					return
				}
				if err != nil {
					panicked <- err
					return
				}
			}
		}(g)
	}

	time.Sleep(10 * time.Millisecond)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}

	wg.Wait()
	select {
	case r := <-panicked:
		t.Fatalf("submitter failed during shutdown: %v", r)
	default:
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	e, _ := testEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}

	err := e.Submit(&models.Sample{
		DeviceID: "main-meter", MetricKey: "power_w",
		Timestamp: time.Now().UTC(), Value: 1200,
	})
	if err != ErrEngineClosed {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}
