package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mailpipe.v1.MailService"

// =============================================================================
// MESSAGES
// =============================================================================

// SubmitEmailRequest carries one inbound email.
type SubmitEmailRequest struct {
	Email *execution.Email `json:"email"`
}

// GetExecutionRequest names an execution.
type GetExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

// ListExecutionsRequest filters the execution list. An empty status lists
// every status; a non-positive limit uses the server default.
type ListExecutionsRequest struct {
	Limit  int    `json:"limit"`
	Status string `json:"status,omitempty"`
}

// ExecutionResponse wraps one execution snapshot.
type ExecutionResponse struct {
	Execution *execution.Execution `json:"execution"`
}

// ListExecutionsResponse holds executions, most recent first.
type ListExecutionsResponse struct {
	Executions []*execution.Execution `json:"executions"`
}

// =============================================================================
// SERVICE DESCRIPTOR
// =============================================================================

// MailServiceServer is the server side of mailpipe.v1.MailService.
type MailServiceServer interface {
	SubmitEmail(ctx context.Context, req *SubmitEmailRequest) (*ExecutionResponse, error)
	GetExecution(ctx context.Context, req *GetExecutionRequest) (*ExecutionResponse, error)
	ListExecutions(ctx context.Context, req *ListExecutionsRequest) (*ListExecutionsResponse, error)
}

// RegisterMailServiceServer registers srv on s.
func RegisterMailServiceServer(s grpc.ServiceRegistrar, srv MailServiceServer) {
	s.RegisterService(&mailServiceDesc, srv)
}

var mailServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MailServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitEmail", Handler: submitEmailHandler},
		{MethodName: "GetExecution", Handler: getExecutionHandler},
		{MethodName: "ListExecutions", Handler: listExecutionsHandler},
	},
	Metadata: "mailpipe/v1/mail_service",
}

func submitEmailHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitEmailRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailServiceServer).SubmitEmail(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/SubmitEmail"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MailServiceServer).SubmitEmail(ctx, req.(*SubmitEmailRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getExecutionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetExecutionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailServiceServer).GetExecution(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetExecution"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MailServiceServer).GetExecution(ctx, req.(*GetExecutionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listExecutionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListExecutionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailServiceServer).ListExecutions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListExecutions"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MailServiceServer).ListExecutions(ctx, req.(*ListExecutionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// =============================================================================
// CLIENT
// =============================================================================

// MailServiceClient is the client side of mailpipe.v1.MailService.
type MailServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMailServiceClient creates a client over cc. Calls use the JSON codec.
func NewMailServiceClient(cc grpc.ClientConnInterface) *MailServiceClient {
	return &MailServiceClient{cc: cc}
}

func (c *MailServiceClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

// SubmitEmail submits an email for processing.
func (c *MailServiceClient) SubmitEmail(ctx context.Context, in *SubmitEmailRequest, opts ...grpc.CallOption) (*ExecutionResponse, error) {
	out := new(ExecutionResponse)
	if err := c.invoke(ctx, "SubmitEmail", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetExecution fetches one execution.
func (c *MailServiceClient) GetExecution(ctx context.Context, in *GetExecutionRequest, opts ...grpc.CallOption) (*ExecutionResponse, error) {
	out := new(ExecutionResponse)
	if err := c.invoke(ctx, "GetExecution", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListExecutions lists recent executions.
func (c *MailServiceClient) ListExecutions(ctx context.Context, in *ListExecutionsRequest, opts ...grpc.CallOption) (*ListExecutionsResponse, error) {
	out := new(ListExecutionsResponse)
	if err := c.invoke(ctx, "ListExecutions", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
