// Package metrics exposes capture activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hark/capture"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "hark"

// Collector implements capture.Recorder.
type Collector struct {
	SessionsTotal     prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	RetriesTotal      *prometheus.CounterVec
	FragmentsTotal    *prometheus.CounterVec
	InputsDelivered   prometheus.Counter
	WordsPerInput     prometheus.Histogram
	ListeningSessions prometheus.Gauge
}

var _ capture.Recorder = (*Collector)(nil)

// New registers the collector's metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_sessions_total",
			Help:      "Capture sessions started, including retries",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_state_transitions_total",
			Help:      "State machine transitions by target state",
		}, []string{"state"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Capture errors by kind",
		}, []string{"kind"}),
		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_retries_total",
			Help:      "Retries scheduled",
		}, []string{"trigger"}),
		FragmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_fragments_total",
			Help:      "Final fragments committed, split by arrival during the stop grace window",
		}, []string{"phase"}),
		InputsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inputs_delivered_total",
			Help:      "Transcripts handed to the host",
		}),
		WordsPerInput: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "input_words",
			Help:      "Words per delivered transcript",
			Buckets:   []float64{1, 3, 5, 10, 20, 50, 100, 250},
		}),
		ListeningSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_listening",
			Help:      "1 while the microphone is live",
		}),
	}
}

func (c *Collector) SessionStarted() { c.SessionsTotal.Inc() }

func (c *Collector) StateEntered(s capture.State) {
	c.StateTransitions.WithLabelValues(s.String()).Inc()
	if s == capture.Listening {
		c.ListeningSessions.Set(1)
	} else {
		c.ListeningSessions.Set(0)
	}
}

func (c *Collector) ErrorRaised(kind capture.ErrorKind) {
	c.ErrorsTotal.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) RetryScheduled(automatic bool) {
	trigger := "user"
	if automatic {
		trigger = "auto"
	}
	c.RetriesTotal.WithLabelValues(trigger).Inc()
}

func (c *Collector) FragmentCommitted(late bool) {
	phase := "listening"
	if late {
		phase = "grace"
	}
	c.FragmentsTotal.WithLabelValues(phase).Inc()
}

func (c *Collector) InputDelivered(words int) {
	c.InputsDelivered.Inc()
	c.WordsPerInput.Observe(float64(words))
}

// Server serves /metrics and /healthz.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(addr string, g prometheus.Gatherer, l zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: l,
	}
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
