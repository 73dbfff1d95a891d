package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/linluma/swapcandles/shared/models"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ChartServiceName is the gRPC service name, also used for health checks
	ChartServiceName = "swapcandles.ChartService"

	subscribeMethod  = "/" + ChartServiceName + "/Subscribe"
	subscriberBuffer = 256
)

// ChartStreamer is the server side of the chart service
type ChartStreamer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

// Frames travel as google.protobuf.Struct carrying the JSON frame
var chartServiceDesc = grpc.ServiceDesc{
	ServiceName: ChartServiceName,
	HandlerType: (*ChartStreamer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chart.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChartStreamer).Subscribe(in, stream)
}

// GRPCChartServer streams chart frames to gRPC subscribers. Like ChartServer
// it sends a snapshot first, then every SetData and Update.
type GRPCChartServer struct {
	addr   string
	source ChartSource
	logger *zap.Logger
	server *grpc.Server
	health *health.Server

	mu          sync.Mutex
	subscribers map[chan *structpb.Struct]struct{}
	stopped     bool
}

// NewGRPCChartServer creates a gRPC chart server listening on addr
func NewGRPCChartServer(addr string, source ChartSource, logger *zap.Logger) *GRPCChartServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &GRPCChartServer{
		addr:        addr,
		source:      source,
		logger:      logger,
		server:      grpc.NewServer(),
		health:      health.NewServer(),
		subscribers: make(map[chan *structpb.Struct]struct{}),
	}
	s.server.RegisterService(&chartServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ChartServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Start listens on the configured address and serves until Stop
func (s *GRPCChartServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener until Stop
func (s *GRPCChartServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC chart server listening", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop ends every subscription and stops the server
func (s *GRPCChartServer) Stop() {
	s.health.Shutdown()

	s.mu.Lock()
	s.stopped = true
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	s.mu.Unlock()

	s.server.GracefulStop()
}

// SubscriberCount returns the number of active subscriptions
func (s *GRPCChartServer) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// SetData sends a full replacement series to every subscriber
func (s *GRPCChartServer) SetData(candles []models.Candle) {
	s.broadcast(snapshotFrame(s.source, candles))
}

// Update sends one upserted bar to every subscriber
func (s *GRPCChartServer) Update(update models.CandleUpdate) {
	s.broadcast(updateFrame(s.source, update))
}

// Subscribe streams frames until the client leaves or the server stops
func (s *GRPCChartServer) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch := make(chan *structpb.Struct, subscriberBuffer)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "chart server stopping")
	}
	snapshot, err := frameToStruct(snapshotFrame(s.source, s.source.CurrentCandles()))
	if err != nil {
		s.mu.Unlock()
		return status.Errorf(codes.Internal, "failed to encode snapshot: %v", err)
	}
	ch <- snapshot
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	s.logger.Debug("chart subscriber connected")
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *GRPCChartServer) broadcast(frame models.Frame) {
	msg, err := frameToStruct(frame)
	if err != nil {
		s.logger.Error("failed to encode chart frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("dropping slow chart subscriber")
			close(ch)
			delete(s.subscribers, ch)
		}
	}
}

// FrameStream receives frames from a GRPCChartServer
type FrameStream struct {
	stream grpc.ClientStream
}

// SubscribeFrames opens the chart stream on cc
func SubscribeFrames(ctx context.Context, cc grpc.ClientConnInterface) (*FrameStream, error) {
	stream, err := cc.NewStream(ctx, &chartServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to open chart stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("failed to send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send side: %w", err)
	}
	return &FrameStream{stream: stream}, nil
}

// Recv blocks for the next frame; io.EOF means the server ended the stream
func (f *FrameStream) Recv() (models.Frame, error) {
	msg := &structpb.Struct{}
	if err := f.stream.RecvMsg(msg); err != nil {
		return models.Frame{}, err
	}
	return structToFrame(msg)
}

func frameToStruct(frame models.Frame) (*structpb.Struct, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func structToFrame(msg *structpb.Struct) (models.Frame, error) {
	var frame models.Frame
	data, err := json.Marshal(msg.AsMap())
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("failed to decode chart frame: %w", err)
	}
	return frame, nil
}
