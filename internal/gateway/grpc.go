package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

// Simulator service identifiers. Requests and responses are
// google.protobuf.Struct documents shaped like the interchange and result
// files.
const (
	SimulatorServiceName = "crowdcalib.simulator.v1.Simulator"
	runMethod            = "/" + SimulatorServiceName + "/Run"
)

// Runner executes one simulation synchronously.
type Runner interface {
	Run(ctx context.Context, experimentID string, p params.Set) (*sim.Result, error)
}

// GRPCGateway runs simulations through a remote Simulator service.
type GRPCGateway struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// DialGRPC connects to a Simulator service at addr. Plaintext transport is
// used unless opts override it.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCGateway, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to simulator at %s: %w", addr, err)
	}
	return &GRPCGateway{conn: conn, closer: conn.Close}, nil
}

// NewGRPCGateway wraps an existing connection.
func NewGRPCGateway(conn grpc.ClientConnInterface) *GRPCGateway {
	return &GRPCGateway{conn: conn}
}

// Close closes a connection opened by DialGRPC.
func (g *GRPCGateway) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

// Submit records the request; the call itself happens in AwaitResult so the
// timeout becomes the RPC deadline.
func (g *GRPCGateway) Submit(ctx context.Context, p params.Set, experimentID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Handle{ExperimentID: experimentID, Params: p, SubmittedAt: time.Now()}, nil
}

// AwaitResult performs the Run RPC with a deadline of timeout.
func (g *GRPCGateway) AwaitResult(ctx context.Context, h *Handle, timeout time.Duration) (*sim.Result, error) {
	req, err := encodeRunRequest(h.ExperimentID, h.Params)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(callCtx, runMethod, req, resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fromStatus(h.ExperimentID, timeout, err)
	}

	data, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, &sim.DataError{Reason: "undecodable response", Err: err}
	}
	result, err := sim.ParseResult(data)
	if err != nil {
		return nil, err
	}
	slog.Info("Result received", "experiment_id", h.ExperimentID,
		"elapsed", time.Since(h.SubmittedAt).Round(time.Millisecond), "agents", len(result.AgentErrors))
	return result, nil
}

func fromStatus(experimentID string, timeout time.Duration, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &TimeoutError{ExperimentID: experimentID, Timeout: timeout}
	case codes.InvalidArgument, codes.DataLoss:
		return &sim.DataError{Reason: st.Message()}
	default:
		return &CrashError{ExperimentID: experimentID, ExitCode: -1, Output: st.Message(), Err: err}
	}
}

func encodeRunRequest(experimentID string, p params.Set) (*structpb.Struct, error) {
	values := make(map[string]any, params.Dim)
	for name, v := range p.Map() {
		values[name] = v
	}
	req, err := structpb.NewStruct(map[string]any{
		"experimentId": experimentID,
		"parameters":   values,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return req, nil
}

func decodeRunRequest(req *structpb.Struct) (string, params.Set, error) {
	fields := req.GetFields()
	experimentID := fields["experimentId"].GetStringValue()
	if experimentID == "" {
		return "", params.Set{}, errors.New("experimentId is required")
	}
	raw := fields["parameters"].GetStructValue().GetFields()
	values := make(map[string]float64, len(raw))
	for name, v := range raw {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return "", params.Set{}, fmt.Errorf("parameter %s is not a number", name)
		}
		values[name] = v.GetNumberValue()
	}
	p, err := params.FromMap(values)
	if err != nil {
		return "", params.Set{}, err
	}
	return experimentID, p, nil
}

func encodeResult(r *sim.Result) (*structpb.Struct, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// RegisterSimulatorServer exposes r as the Simulator service on s.
func RegisterSimulatorServer(s grpc.ServiceRegistrar, r Runner) {
	s.RegisterService(&simulatorServiceDesc, r)
}

var simulatorServiceDesc = grpc.ServiceDesc{
	ServiceName: SimulatorServiceName,
	HandlerType: (*Runner)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crowdcalib/simulator/v1/simulator.proto",
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return serveRun(ctx, srv.(Runner), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runMethod}
	return interceptor(ctx, in, info, handler)
}

func serveRun(ctx context.Context, r Runner, req *structpb.Struct) (*structpb.Struct, error) {
	experimentID, p, err := decodeRunRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	slog.Info("Simulation requested", "experiment_id", experimentID)
	result, err := r.Run(ctx, experimentID, p)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	resp, err := encodeResult(result)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode result: "+err.Error())
	}
	return resp, nil
}

func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTimeoutExceeded), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, sim.ErrDataError):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, &params.ValidationError{}):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// GatewayRunner adapts a Gateway to the Runner interface so a local
// simulator can be served over gRPC. Runs are serialized: the file
// exchange has a single result path.
type GatewayRunner struct {
	Gateway Gateway
	Timeout time.Duration

	mu sync.Mutex
}

// Run submits p and waits for its result.
func (r *GatewayRunner) Run(ctx context.Context, experimentID string, p params.Set) (*sim.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.Gateway.Submit(ctx, p, experimentID)
	if err != nil {
		return nil, err
	}
	timeout := r.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	return r.Gateway.AwaitResult(ctx, h, timeout)
}
