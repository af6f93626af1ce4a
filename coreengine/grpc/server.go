// Package grpc serves mailpipe.v1.MailService.
//
// Messages travel as JSON (content-subtype "json") over a hand-written
// service descriptor. The standard gRPC health service is registered
// alongside.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
)

// DefaultListLimit applies when ListExecutions is called without a limit.
const DefaultListLimit = 50

// ExecutionService is what the server needs from the orchestrator.
type ExecutionService interface {
	ProcessEmail(ctx context.Context, email *execution.Email) (*execution.Execution, error)
	GetExecution(id string) (*execution.Execution, bool)
	ListExecutions(limit int, status *execution.Status) []*execution.Execution
}

// MailServer implements MailServiceServer.
type MailServer struct {
	svc    ExecutionService
	logger logging.Logger
}

// NewMailServer creates a MailServer.
func NewMailServer(svc ExecutionService, logger logging.Logger) *MailServer {
	return &MailServer{svc: svc, logger: logger}
}

// SubmitEmail accepts an email. A submission failure is still a successful
// RPC; the returned execution carries status failed.
func (s *MailServer) SubmitEmail(ctx context.Context, req *SubmitEmailRequest) (*ExecutionResponse, error) {
	if req.Email == nil {
		return nil, InvalidArgument("email")
	}
	exec, err := s.svc.ProcessEmail(ctx, req.Email)
	if err != nil {
		return nil, toStatus("submit_email", err)
	}
	s.logger.Debug("grpc_email_submitted", "execution_id", exec.ID, "status", string(exec.Status))
	return &ExecutionResponse{Execution: exec}, nil
}

// GetExecution returns one execution.
func (s *MailServer) GetExecution(ctx context.Context, req *GetExecutionRequest) (*ExecutionResponse, error) {
	if err := validateRequired(req.ExecutionID, "execution_id"); err != nil {
		return nil, err
	}
	exec, ok := s.svc.GetExecution(req.ExecutionID)
	if !ok {
		return nil, NotFound("execution", req.ExecutionID)
	}
	return &ExecutionResponse{Execution: exec}, nil
}

// ListExecutions returns recent executions.
func (s *MailServer) ListExecutions(ctx context.Context, req *ListExecutionsRequest) (*ListExecutionsResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var filter *execution.Status
	if req.Status != "" {
		st, err := execution.ParseStatus(req.Status)
		if err != nil {
			return nil, toStatus("list_executions", err)
		}
		filter = &st
	}
	return &ListExecutionsResponse{Executions: s.svc.ListExecutions(limit, filter)}, nil
}

var _ MailServiceServer = (*MailServer)(nil)

// =============================================================================
// GRACEFUL SERVER
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     logging.Logger
	address    string

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer registers the mail and health services. Without opts the
// standard interceptors from ServerOptions are installed.
func NewGracefulServer(svc ExecutionService, address string, logger logging.Logger, opts ...grpc.ServerOption) *GracefulServer {
	logger = logger.Bind("component", "grpc")
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterMailServiceServer(grpcServer, NewMailServer(svc, logger))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger,
		address:    address,
	}
}

// Start listens on the configured address and blocks until ctx is cancelled,
// then stops gracefully.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled or the server fails.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.ShutdownWithTimeout(10 * time.Second)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop marks the services not serving, stops accepting connections
// and waits for in-flight RPCs.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout performs graceful shutdown with a timeout.
// If shutdown doesn't complete within timeout, it forces an immediate stop.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// GetGRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GetGRPCServer() *grpc.Server {
	return s.grpcServer
}
