package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-npu/internal/client"
	"github.com/23skdu/longbow-npu/internal/config"
	"github.com/23skdu/longbow-npu/internal/engine"
	"github.com/23skdu/longbow-npu/internal/provider"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npuc_requests_total",
		Help: "Compute requests by HTTP status",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "npuc_request_duration_seconds",
		Help:    "Time spent serving compute requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("npuc-server")

// Runner executes a compiled graph.
type Runner interface {
	Run(ctx context.Context, inputs []engine.HostTensor) ([]engine.HostTensor, error)
}

// Forwarder receives a copy of every successful result.
type Forwarder interface {
	Send(ctx context.Context, unit string, outputs []engine.HostTensor) error
}

type Server struct {
	runner  Runner
	sink    Forwarder
	name    string
	builder *client.RecordBatchBuilder
	sem     *semaphore.Weighted
}

func NewServer(runner Runner, sink Forwarder, name string, maxConcurrent int) *Server {
	return &Server{
		runner:  runner,
		sink:    sink,
		name:    name,
		builder: client.NewRecordBatchBuilder(memory.NewGoAllocator()),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/compute", s.handleCompute)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCompute")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}()
	fail := func(status int, err error) {
		code = status
		span.RecordError(err)
		http.Error(w, err.Error(), status)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	inputs, err := decodeTensors(r.Body)
	if err != nil {
		fail(http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.Int("inputs", len(inputs)))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("failed to acquire semaphore")
		fail(http.StatusServiceUnavailable, errors.New("server busy"))
		return
	}
	outs, err := s.runner.Run(ctx, inputs)
	s.sem.Release(1)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrInputMismatch) || errors.Is(err, ErrMissingValue) {
			status = http.StatusUnprocessableEntity
		}
		fail(status, err)
		return
	}

	if s.sink != nil {
		if err := s.sink.Send(ctx, s.name, outs); err != nil {
			log.Error().Err(err).Msg("error forwarding outputs")
		}
	}

	rec, err := s.builder.BuildRecordBatch(outs)
	if err != nil {
		fail(http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		code = http.StatusNoContent
		return
	}
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := writeArrowStream(w, rec); err != nil {
		log.Error().Err(err).Msg("failed to write arrow stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	var (
		listen   string
		sinkAddr string
		dataset  string
	)
	cmd := &cobra.Command{
		Use:   "serve MODEL",
		Short: "Compile a model and serve compute requests over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadModel(args[0])
			if err != nil {
				return err
			}
			pl, err := NewPipeline(cmd.Context(), provider.New(*cfg), g)
			if err != nil {
				return err
			}

			var sink Forwarder
			if sinkAddr != "" {
				fc, err := client.NewFlightClient(sinkAddr)
				if err != nil {
					return fmt.Errorf("failed to create flight client: %w", err)
				}
				s := client.NewSink(fc, dataset, nil)
				defer s.Close()
				sink = s
				log.Info().Str("addr", sinkAddr).Msg("forwarding outputs to flight sink")
			}

			srv := NewServer(pl, sink, g.Name, int(cfg.MaxConcurrent))
			log.Info().Str("addr", listen).Str("graph", g.Name).Int("units", len(pl.Handles())).Msg("starting npuc server")
			return http.ListenAndServe(listen, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&sinkAddr, "sink", "", "Arrow Flight address to forward outputs to")
	cmd.Flags().StringVar(&dataset, "dataset", "npu_outputs", "Dataset path prefix on the sink")
	return cmd
}
