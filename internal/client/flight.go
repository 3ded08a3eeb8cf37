package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Putter uploads a record under a descriptor path.
type Putter interface {
	DoPut(ctx context.Context, path []string, record arrow.RecordBatch) error
	Close() error
}

// FlightClient forwards compute results to an Arrow Flight endpoint.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

var _ Putter = (*FlightClient)(nil)

// NewFlightClient connects to addr without transport security.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut streams one record under a PATH descriptor and waits for the server
// to close its side.
func (c *FlightClient) DoPut(ctx context.Context, path []string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: path,
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// drain acks until the server finishes
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
