package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// PrometheusSink turns progress events into job, task and source metrics.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	sources       *prometheus.CounterVec
	chunks        prometheus.Counter

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors with reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_crawl_jobs_started_total",
			Help: "Crawl jobs started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_crawl_jobs_finished_total",
			Help: "Crawl jobs finished, by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_crawl_jobs_running",
			Help: "Crawl jobs currently in progress.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_crawl_job_runtime_seconds",
			Help:    "Wall time per finished crawl job.",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_crawl_tasks_finished_total",
			Help: "Crawl tasks finished, by result and status class.",
		}, []string{"result", "status_class"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_crawl_task_duration_seconds",
			Help:    "Crawl task wall time including ingestion.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 70, 180, 600},
		}, []string{"result"}),
		sources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_sources_finished_total",
			Help: "Sources reaching a terminal status.",
		}, []string{"status"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_chunks_committed_total",
			Help: "Chunks committed to tenant content stores.",
		}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.jobsStarted, s.jobsFinished, s.jobsRunning, s.jobRuntime,
		s.tasksFinished, s.taskDuration, s.sources, s.chunks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.track(evt.JobID, true) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone, progress.StageJobError:
			result := resultLabel(evt.Stage == progress.StageJobDone)
			s.jobsFinished.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.JobID, false) {
				s.jobsRunning.Dec()
			}
		case progress.StageTaskDone, progress.StageTaskError:
			result := resultLabel(evt.Stage == progress.StageTaskDone)
			class := string(evt.StatusClass)
			if class == "" {
				class = string(progress.StatusOther)
			}
			s.tasksFinished.WithLabelValues(result, class).Inc()
			if evt.Dur > 0 {
				s.taskDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
		case progress.StageSourceDone:
			s.sources.WithLabelValues("completed").Inc()
			s.chunks.Add(float64(evt.Chunks))
		case progress.StageSourceError:
			s.sources.WithLabelValues("error").Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// track records a job as running (start) or finished and reports whether
// the running set changed.
func (s *PrometheusSink) track(jobID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	if start {
		if ok {
			return false
		}
		s.running[jobID] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, jobID)
	return true
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
