package metrics

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func completedJob(t *testing.T) *domain.AnalysisJob {
	t.Helper()
	job, err := domain.NewAnalysisJob("AAPL", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, job.MarkQueued())
	require.NoError(t, job.MarkRunning(now))
	require.NoError(t, job.MarkCompleted("results/abc", now.Add(time.Second)))
	return job
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestObserver_CountsLifecycleEvents(t *testing.T) {
	bus := events.NewInMemoryEventBus(64, testLogger())
	defer bus.Close()

	obs := NewObserver(bus, testLogger())
	defer obs.Stop()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, obs.Register(reg))

	job := completedJob(t)
	bus.Publish(events.NewJobEvent(events.JobQueued, job))
	bus.Publish(events.NewJobEvent(events.JobStarted, job))
	bus.Publish(events.NewJobEvent(events.JobRequeuedForRetry, job))
	bus.Publish(events.NewJobEvent(events.JobStarted, job))
	bus.Publish(events.NewJobEvent(events.JobCompleted, job))

	assert.Eventually(t, func() bool {
		return counterValue(t, reg, "analysis_engine_jobs_completed_total") == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(1), counterValue(t, reg, "analysis_engine_jobs_queued_total"))
	assert.Equal(t, float64(2), counterValue(t, reg, "analysis_engine_jobs_started_total"))
	assert.Equal(t, float64(1), counterValue(t, reg, "analysis_engine_jobs_retried_total"))
	assert.Equal(t, float64(0), counterValue(t, reg, "analysis_engine_jobs_failed_total"))
}

func TestObserver_ObservesExecutionDuration(t *testing.T) {
	bus := events.NewInMemoryEventBus(64, testLogger())
	defer bus.Close()

	obs := NewObserver(bus, testLogger())
	defer obs.Stop()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, obs.Register(reg))

	bus.Publish(events.NewJobEvent(events.JobCompleted, completedJob(t)))

	assert.Eventually(t, func() bool {
		families, err := reg.Gather()
		require.NoError(t, err)
		for _, mf := range families {
			if mf.GetName() == "analysis_engine_execution_seconds" {
				for _, m := range mf.GetMetric() {
					if m.GetHistogram().GetSampleCount() == 1 {
						return true
					}
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserver_StopDetachesFromBus(t *testing.T) {
	bus := events.NewInMemoryEventBus(64, testLogger())
	defer bus.Close()

	obs := NewObserver(bus, testLogger())
	obs.Stop()
	obs.Stop()

	// Publishing after Stop must not panic or block.
	bus.Publish(events.NewJobEvent(events.JobQueued, completedJob(t)))
}
