package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/orchestrator"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeService stores executions in a map.
type fakeService struct {
	mu        sync.Mutex
	execs     map[string]*execution.Execution
	err       error
	lastLimit int
	lastState *execution.Status
}

func newFakeService() *fakeService {
	return &fakeService{execs: make(map[string]*execution.Execution)}
}

func (f *fakeService) ProcessEmail(ctx context.Context, email *execution.Email) (*execution.Execution, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	exec := execution.New(email)
	f.mu.Lock()
	f.execs[exec.ID] = exec
	f.mu.Unlock()
	return exec.Clone(), nil
}

func (f *fakeService) GetExecution(id string) (*execution.Execution, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	return e.Clone(), ok
}

func (f *fakeService) ListExecutions(limit int, st *execution.Status) []*execution.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit, f.lastState = limit, st
	out := make([]*execution.Execution, 0, len(f.execs))
	for _, e := range f.execs {
		if st == nil || e.Status == *st {
			out = append(out, e.Clone())
		}
	}
	return out
}

type testServer struct {
	svc    *fakeService
	client *MailServiceClient
	conn   *grpc.ClientConn
}

// startTestServer serves the full production stack over an in-memory listener.
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	svc := newFakeService()
	srv := NewGracefulServer(svc, "bufconn", logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, lis)
		close(done)
	}()

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
	})
	return &testServer{svc: svc, client: NewMailServiceClient(conn), conn: conn}
}

func validEmail(id string) *execution.Email {
	return &execution.Email{ID: id, Subject: "Invoice", Sender: "billing@acme.example"}
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// SERVICE TESTS
// =============================================================================

func TestSubmitAndGetExecution(t *testing.T) {
	ts := startTestServer(t)
	ctx := callCtx(t)

	resp, err := ts.client.SubmitEmail(ctx, &SubmitEmailRequest{Email: validEmail("email-1")})
	require.NoError(t, err)
	require.NotNil(t, resp.Execution)
	assert.Equal(t, "email-1", resp.Execution.EmailID)
	assert.Equal(t, execution.StatusPending, resp.Execution.Status)

	got, err := ts.client.GetExecution(ctx, &GetExecutionRequest{ExecutionID: resp.Execution.ID})
	require.NoError(t, err)
	assert.Equal(t, resp.Execution.ID, got.Execution.ID)
	assert.Equal(t, "email_email-1", got.Execution.GraphID)
}

func TestSubmitEmail_Errors(t *testing.T) {
	tests := []struct {
		name     string
		req      *SubmitEmailRequest
		svcErr   error
		wantCode codes.Code
	}{
		{name: "missing email", req: &SubmitEmailRequest{}, wantCode: codes.InvalidArgument},
		{name: "invalid email", req: &SubmitEmailRequest{Email: &execution.Email{ID: "x"}}, wantCode: codes.InvalidArgument},
		{name: "shutting down", req: &SubmitEmailRequest{Email: validEmail("y")}, svcErr: orchestrator.ErrShuttingDown, wantCode: codes.Unavailable},
		{name: "unexpected", req: &SubmitEmailRequest{Email: validEmail("z")}, svcErr: errors.New("disk full"), wantCode: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startTestServer(t)
			ts.svc.err = tt.svcErr

			_, err := ts.client.SubmitEmail(callCtx(t), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}
}

func TestGetExecution_Errors(t *testing.T) {
	ts := startTestServer(t)

	_, err := ts.client.GetExecution(callCtx(t), &GetExecutionRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.client.GetExecution(callCtx(t), &GetExecutionRequest{ExecutionID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestListExecutions(t *testing.T) {
	ts := startTestServer(t)
	ctx := callCtx(t)
	for _, id := range []string{"a", "b"} {
		_, err := ts.client.SubmitEmail(ctx, &SubmitEmailRequest{Email: validEmail(id)})
		require.NoError(t, err)
	}

	resp, err := ts.client.ListExecutions(ctx, &ListExecutionsRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Executions, 2)
	assert.Equal(t, DefaultListLimit, ts.svc.lastLimit)
	assert.Nil(t, ts.svc.lastState)

	resp, err = ts.client.ListExecutions(ctx, &ListExecutionsRequest{Limit: 1, Status: "completed"})
	require.NoError(t, err)
	assert.Empty(t, resp.Executions)
	require.NotNil(t, ts.svc.lastState)
	assert.Equal(t, execution.StatusCompleted, *ts.svc.lastState)
	assert.Equal(t, 1, ts.svc.lastLimit)

	_, err = ts.client.ListExecutions(ctx, &ListExecutionsRequest{Status: "paused"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealthService(t *testing.T) {
	ts := startTestServer(t)
	client := healthpb.NewHealthClient(ts.conn)

	for _, svc := range []string{"", ServiceName} {
		resp, err := client.Check(callCtx(t), &healthpb.HealthCheckRequest{Service: svc})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	}
}

func TestGracefulStop_Idempotent(t *testing.T) {
	srv := NewGracefulServer(newFakeService(), "unused", logging.NewNop())
	srv.GracefulStop()
	srv.GracefulStop()
	assert.NotNil(t, srv.GetGRPCServer())
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	buf, err := c.Marshal(&GetExecutionRequest{ExecutionID: "e-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"execution_id":"e-1"}`, string(buf))

	var req GetExecutionRequest
	require.NoError(t, c.Unmarshal(buf, &req))
	assert.Equal(t, "e-1", req.ExecutionID)
}
