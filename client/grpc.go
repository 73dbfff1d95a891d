package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/linluma/swapcandles/candles/server"
	"github.com/linluma/swapcandles/shared/models"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChartClient reads candle frames from the gRPC chart service
type GRPCChartClient struct {
	serverAddr string
	dialOpts   []grpc.DialOption
	conn       *grpc.ClientConn
	logger     *zap.Logger
}

// NewGRPCChartClient creates a new gRPC chart client. Extra dial options
// are appended after insecure transport credentials.
func NewGRPCChartClient(serverAddr string, logger *zap.Logger, opts ...grpc.DialOption) *GRPCChartClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCChartClient{
		serverAddr: serverAddr,
		dialOpts:   append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		logger:     logger,
	}
}

// Connect opens the connection and checks the chart service is serving
func (c *GRPCChartClient) Connect(ctx context.Context) error {
	conn, err := grpc.NewClient(c.serverAddr, c.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ChartServiceName})
	if err != nil {
		conn.Close()
		return fmt.Errorf("chart service health check failed: %w", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return fmt.Errorf("chart service is %s", resp.Status)
	}

	c.conn = conn
	return nil
}

// Close closes the connection
func (c *GRPCChartClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Frames streams decoded frames until the context ends or the server stops
func (c *GRPCChartClient) Frames(ctx context.Context) (<-chan models.Frame, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	stream, err := server.SubscribeFrames(ctx, c.conn)
	if err != nil {
		return nil, err
	}

	frameCh := make(chan models.Frame)

	go func() {
		defer close(frameCh)
		for {
			frame, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					c.logger.Warn("chart stream receive error", zap.Error(err))
				}
				return
			}
			select {
			case frameCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frameCh, nil
}
