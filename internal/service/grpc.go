package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "experience.v1.ExperiencePool"

	// CodecName is the content-subtype the service is served with
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries plain structs as JSON and protobuf messages, such as
// health checks, as protojson.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

// ExperienceServer is the server API of the experience pool service.
type ExperienceServer interface {
	AppendSequence(context.Context, *AppendSequenceRequest) (*AppendSequenceResponse, error)
	GetSample(context.Context, *GetSampleRequest) (*SampleResponse, error)
	GetBatch(context.Context, *GetBatchRequest) (*BatchResponse, error)
	GetSequence(context.Context, *GetSequenceRequest) (*SequenceResponse, error)
	GetBatchedSequence(context.Context, *GetBatchedSequenceRequest) (*BatchedSequenceResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*StatsResponse, error)
	Dump(context.Context, *DumpRequest) (*DumpResponse, error)
	Reset(context.Context, *ResetRequest) (*ResetResponse, error)
}

var _ ExperienceServer = (*ExperienceService)(nil)
var _ ExperienceServer = (*Client)(nil)

// ServiceDesc describes the experience pool service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExperienceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("AppendSequence", ExperienceServer.AppendSequence),
		unaryMethod("GetSample", ExperienceServer.GetSample),
		unaryMethod("GetBatch", ExperienceServer.GetBatch),
		unaryMethod("GetSequence", ExperienceServer.GetSequence),
		unaryMethod("GetBatchedSequence", ExperienceServer.GetBatchedSequence),
		unaryMethod("GetStats", ExperienceServer.GetStats),
		unaryMethod("Dump", ExperienceServer.Dump),
		unaryMethod("Reset", ExperienceServer.Reset),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "experience/v1/experience.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unaryMethod[Req, Resp any](name string, call func(ExperienceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExperienceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExperienceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RequestObserver receives one call per completed RPC.
type RequestObserver interface {
	APIRequest(method, endpoint string, statusCode int, duration time.Duration)
}

// NewGRPCServer creates a gRPC server exposing svc, the standard health
// service and reflection.
func NewGRPCServer(svc ExperienceServer, logger zerolog.Logger, observer RequestObserver) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(logger, observer)),
	)
	server.RegisterService(&ServiceDesc, svc)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	reflection.Register(server)
	return server, healthServer
}

// loggingInterceptor logs gRPC requests
func loggingInterceptor(logger zerolog.Logger, observer RequestObserver) grpc.UnaryServerInterceptor {
	logger = logger.With().Str("component", "grpc").Logger()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		code := status.Code(err)
		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", duration).
			Msg("gRPC request")

		if observer != nil {
			observer.APIRequest("grpc", info.FullMethod, int(code), duration)
		}
		return resp, err
	}
}

// Client calls the experience pool service over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to target. Plaintext transport is used unless opts
// override it.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AppendSequence(ctx context.Context, req *AppendSequenceRequest) (*AppendSequenceResponse, error) {
	return invoke[AppendSequenceResponse](ctx, c, "AppendSequence", req)
}

func (c *Client) GetSample(ctx context.Context, req *GetSampleRequest) (*SampleResponse, error) {
	return invoke[SampleResponse](ctx, c, "GetSample", req)
}

func (c *Client) GetBatch(ctx context.Context, req *GetBatchRequest) (*BatchResponse, error) {
	return invoke[BatchResponse](ctx, c, "GetBatch", req)
}

func (c *Client) GetSequence(ctx context.Context, req *GetSequenceRequest) (*SequenceResponse, error) {
	return invoke[SequenceResponse](ctx, c, "GetSequence", req)
}

func (c *Client) GetBatchedSequence(ctx context.Context, req *GetBatchedSequenceRequest) (*BatchedSequenceResponse, error) {
	return invoke[BatchedSequenceResponse](ctx, c, "GetBatchedSequence", req)
}

func (c *Client) GetStats(ctx context.Context, req *GetStatsRequest) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c, "GetStats", req)
}

func (c *Client) Dump(ctx context.Context, req *DumpRequest) (*DumpResponse, error) {
	return invoke[DumpResponse](ctx, c, "Dump", req)
}

func (c *Client) Reset(ctx context.Context, req *ResetRequest) (*ResetResponse, error) {
	return invoke[ResetResponse](ctx, c, "Reset", req)
}
