package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-npu/internal/engine"
	"github.com/23skdu/longbow-npu/internal/graph"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	mu      sync.Mutex
	paths   [][]string
	records []arrow.RecordBatch
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.paths = append(s.paths, desc.Path)
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.records = append(s.records, rec)
	}
	return reader.Err()
}

func startFlightServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)
	require.NoError(t, server.Init("localhost:0"))
	go func() { _ = server.Serve() }()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	srv, addr := startFlightServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rb, err := NewRecordBatchBuilder(memory.DefaultAllocator).BuildRecordBatch([]engine.HostTensor{
		{Name: "y", Type: graph.Float, Shape: []int64{2}, Data: f32Bytes(1, 2)},
	})
	require.NoError(t, err)
	defer rb.Release()

	require.NoError(t, client.DoPut(context.Background(), []string{"results", "NPUOp_1"}, rb))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.paths, 1)
	assert.Equal(t, []string{"results", "NPUOp_1"}, srv.paths[0])
	require.Len(t, srv.records, 1)
	assert.Equal(t, int64(1), srv.records[0].NumRows())
	assert.Equal(t, "y", srv.records[0].Column(0).(*array.String).Value(0))
	srv.records[0].Release()
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, path []string, record arrow.RecordBatch) error {
	args := m.Called(ctx, path, record)
	return args.Error(0)
}

func (m *mockPutter) Close() error {
	return m.Called().Error(0)
}

func TestSink_Send(t *testing.T) {
	ctx := context.Background()
	outs := []engine.HostTensor{{Name: "y", Type: graph.Uint8, Shape: []int64{1}, Data: []byte{7}}}

	t.Run("forwards under dataset and unit", func(t *testing.T) {
		p := new(mockPutter)
		p.On("DoPut", ctx, []string{"ds", "NPUOp_4"}, mock.Anything).Return(nil).Once()
		s := NewSink(p, "ds", nil)
		assert.NoError(t, s.Send(ctx, "NPUOp_4", outs))
		p.AssertExpectations(t)
	})

	t.Run("empty outputs skip the put", func(t *testing.T) {
		p := new(mockPutter)
		s := NewSink(p, "ds", nil)
		assert.NoError(t, s.Send(ctx, "NPUOp_4", nil))
		p.AssertNotCalled(t, "DoPut", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("breaker opens after failures", func(t *testing.T) {
		boom := errors.New("unavailable")
		p := new(mockPutter)
		p.On("DoPut", ctx, mock.Anything, mock.Anything).Return(boom).Twice()
		s := NewSink(p, "ds", NewCircuitBreaker(2, time.Hour))

		assert.ErrorIs(t, s.Send(ctx, "u", outs), boom)
		assert.ErrorIs(t, s.Send(ctx, "u", outs), boom)
		assert.ErrorIs(t, s.Send(ctx, "u", outs), ErrOpen)
		p.AssertNumberOfCalls(t, "DoPut", 2)
	})

	t.Run("close", func(t *testing.T) {
		p := new(mockPutter)
		p.On("Close").Return(nil)
		assert.NoError(t, NewSink(p, "ds", nil).Close())
	})
}
