package client

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/engine"
)

var sinkRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "npu_sink_records_total",
	Help: "Output records forwarded to the Flight sink, by result",
}, []string{"result"})

// Sink forwards compute outputs to a Flight endpoint under
// <dataset>/<unit>. A breaker stops it from hammering an unavailable sink.
type Sink struct {
	putter  Putter
	dataset string
	builder *RecordBatchBuilder
	breaker *CircuitBreaker
}

func NewSink(p Putter, dataset string, cb *CircuitBreaker) *Sink {
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	return &Sink{
		putter:  p,
		dataset: dataset,
		builder: NewRecordBatchBuilder(memory.DefaultAllocator),
		breaker: cb,
	}
}

// Send uploads outputs of the named unit. An empty output list is a no-op.
func (s *Sink) Send(ctx context.Context, unit string, outputs []engine.HostTensor) error {
	rec, err := s.builder.BuildRecordBatch(outputs)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	err = s.breaker.Execute(func() error {
		return s.putter.DoPut(ctx, []string{s.dataset, unit}, rec)
	})
	switch {
	case errors.Is(err, ErrOpen):
		sinkRecords.WithLabelValues("rejected").Inc()
		log.Warn().Str("unit", unit).Msg("sink circuit open, dropping outputs")
	case err != nil:
		sinkRecords.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("unit", unit).Str("state", s.breaker.State().String()).Msg("sink put failed")
	default:
		sinkRecords.WithLabelValues("ok").Inc()
	}
	return err
}

func (s *Sink) Close() error {
	return s.putter.Close()
}
