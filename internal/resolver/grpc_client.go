package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Full method names of the resolution service.
const (
	methodResolveStep    = "/supportdesk.resolver.v1.Resolver/ResolveStep"
	methodDetectGreeting = "/supportdesk.resolver.v1.Resolver/DetectGreeting"
	methodDetectLanguage = "/supportdesk.resolver.v1.Resolver/DetectLanguage"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// jsonCodec carries plain JSON messages over gRPC so the service needs no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type textRequest struct {
	Text string `json:"text"`
}

type greetingResponse struct {
	IsGreeting bool `json:"is_greeting"`
}

type languageResponse struct {
	Language string `json:"language"`
}

// GrpcClient talks to the resolution service over gRPC.
type GrpcClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// SkipReadyCheck builds the connection lazily instead of failing fast.
	SkipReadyCheck bool
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient dials the resolution service.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("resolver address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("create resolver client for %s: %w", cfg.Address, err)
	}

	if !cfg.SkipReadyCheck {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("resolver at %s not ready: %w", cfg.Address, err)
		}
	}

	logger.Info("Connected to resolution service", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func (c *GrpcClient) invoke(ctx context.Context, method string, req, resp any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return fromStatus(err)
	}
	return nil
}

// ResolveStep asks the service for the next resolution step.
func (c *GrpcClient) ResolveStep(ctx context.Context, req StepRequest) (StepResult, error) {
	var resp StepResult
	if err := c.invoke(ctx, methodResolveStep, &req, &resp); err != nil {
		return StepResult{}, fmt.Errorf("resolve step: %w", err)
	}
	return resp, nil
}

// IsGreeting asks the service whether text is a salutation.
func (c *GrpcClient) IsGreeting(ctx context.Context, text string) (bool, error) {
	var resp greetingResponse
	if err := c.invoke(ctx, methodDetectGreeting, &textRequest{Text: text}, &resp); err != nil {
		return false, fmt.Errorf("detect greeting: %w", err)
	}
	return resp.IsGreeting, nil
}

// DetectLanguage asks the service for the language of text.
func (c *GrpcClient) DetectLanguage(ctx context.Context, text string) (string, error) {
	var resp languageResponse
	if err := c.invoke(ctx, methodDetectLanguage, &textRequest{Text: text}, &resp); err != nil {
		return "", fmt.Errorf("detect language: %w", err)
	}
	return resp.Language, nil
}

// fromStatus maps gRPC status codes onto the errdefs classes used across the module.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var class error
	switch st.Code() {
	case codes.Unauthenticated:
		class = errdefs.ErrUnauthenticated
	case codes.PermissionDenied:
		class = errdefs.ErrPermissionDenied
	case codes.NotFound:
		class = errdefs.ErrNotFound
	case codes.InvalidArgument:
		class = errdefs.ErrInvalidArgument
	case codes.Unavailable:
		class = errdefs.ErrUnavailable
	case codes.DeadlineExceeded:
		class = context.DeadlineExceeded
	default:
		return err
	}
	return fmt.Errorf("%w: %s", class, st.Message())
}

var (
	_ Resolver   = (*GrpcClient)(nil)
	_ Classifier = (*GrpcClient)(nil)
)
