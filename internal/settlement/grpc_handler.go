package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CodecName is the gRPC content subtype of the settlement service. Messages
// are plain JSON; there is no generated protobuf code.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type TaskRequest struct {
	TaskID string `json:"task_id"`
}

type ListTasksRequest struct {
	EmployerID string `json:"employer_id,omitempty"`
	WorkerID   string `json:"worker_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type ConfirmLedgerIDRequest struct {
	TaskID    string  `json:"task_id"`
	Candidate *uint64 `json:"candidate,omitempty"`
}

type TaskReply struct {
	Task        Task   `json:"task"`
	Reconcile   Action `json:"reconcile,omitempty"`
	LedgerError string `json:"ledger_error,omitempty"`
	Conflict    string `json:"conflict,omitempty"`
}

type ListTasksReply struct {
	Tasks []Task `json:"tasks"`
}

// SettlementServer is the internal RPC surface. Reads are served to any
// caller inside the cluster; ConfirmLedgerID rewrites ledger bindings and is
// guarded by OperatorInterceptor.
type SettlementServer interface {
	GetTask(ctx context.Context, req *TaskRequest) (*TaskReply, error)
	ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksReply, error)
	ReconcileTask(ctx context.Context, req *TaskRequest) (*TaskReply, error)
	ConfirmLedgerID(ctx context.Context, req *ConfirmLedgerIDRequest) (*TaskReply, error)
}

const grpcServiceName = "settlement.v1.SettlementService"

func RegisterSettlementServer(s grpc.ServiceRegistrar, srv SettlementServer) {
	s.RegisterService(&settlementServiceDesc, srv)
}

var settlementServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTask", Handler: unaryHandler("GetTask", SettlementServer.GetTask)},
		{MethodName: "ListTasks", Handler: unaryHandler("ListTasks", SettlementServer.ListTasks)},
		{MethodName: "ReconcileTask", Handler: unaryHandler("ReconcileTask", SettlementServer.ReconcileTask)},
		{MethodName: "ConfirmLedgerID", Handler: unaryHandler("ConfirmLedgerID", SettlementServer.ConfirmLedgerID)},
	},
	Streams: []grpc.StreamDesc{},
}

func unaryHandler[Req, Resp any](method string, call func(SettlementServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SettlementServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SettlementServer), ctx, req.(*Req))
		})
	}
}

// operatorMethods need an admin token in the "authorization" metadata.
var operatorMethods = map[string]bool{
	"/" + grpcServiceName + "/ConfirmLedgerID": true,
}

// OperatorInterceptor checks the bearer token of calls to operator methods.
// Other methods pass through untouched.
func OperatorInterceptor(auth *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !operatorMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		caller, err := auth.authenticateRPC(ctx)
		if errors.Is(err, errUnauthorized) {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		if err != nil {
			return nil, status.Error(codes.Unavailable, "token check failed")
		}
		if !caller.IsAdmin() {
			return nil, status.Error(codes.PermissionDenied, "operator role required")
		}
		return handler(ctx, req)
	}
}

func (a *Authenticator) authenticateRPC(ctx context.Context) (Caller, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Caller{}, errUnauthorized
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return Caller{}, errUnauthorized
	}
	token, err := extractBearerToken(values[0])
	if err != nil {
		return Caller{}, err
	}
	return a.verify(ctx, token)
}

// GrpcHandler serves SettlementServer over the Coordinator.
type GrpcHandler struct {
	service Service
	ledgers ledger.Provider
	logger  *log.Logger
}

func NewGrpcHandler(service Service, ledgers ledger.Provider, logger *log.Logger) *GrpcHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &GrpcHandler{service: service, ledgers: ledgers, logger: logger}
}

// GetTask is a reconciling read. Ledger failures are reported in the reply
// while the shadow record is still served.
func (h *GrpcHandler) GetTask(ctx context.Context, req *TaskRequest) (*TaskReply, error) {
	return h.reconcile(ctx, req)
}

// ReconcileTask forces a reconciliation pass; unlike GetTask it fails when
// the ledger cannot be read.
func (h *GrpcHandler) ReconcileTask(ctx context.Context, req *TaskRequest) (*TaskReply, error) {
	reply, err := h.reconcile(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply.Reconcile == ActionUnavailable {
		return nil, status.Error(codes.Unavailable, reply.LedgerError)
	}
	return reply, nil
}

func (h *GrpcHandler) reconcile(ctx context.Context, req *TaskRequest) (*TaskReply, error) {
	id, err := parseTaskID(req.TaskID)
	if err != nil {
		return nil, err
	}

	conn, release, err := h.ledgers.Acquire(ctx, "", "")
	if err != nil {
		h.logger.Printf("grpc reconcile task=%s: ledger session: %v", id, err)
		conn = nil
	} else {
		defer release()
	}

	task, report, err := h.service.Reconcile(ctx, conn, id)
	reply := &TaskReply{Task: task, Reconcile: report.Action}
	if report.Err != nil {
		reply.LedgerError = report.Err.Error()
	}
	if err != nil {
		if KindOf(err) != KindReconciliationConflict {
			return nil, grpcError(err)
		}
		reply.Conflict = err.Error()
	}
	return reply, nil
}

func (h *GrpcHandler) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksReply, error) {
	filter := ListFilter{Limit: req.Limit}
	if req.EmployerID != "" {
		id, err := uuid.Parse(req.EmployerID)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid employer_id")
		}
		filter.EmployerID = &id
	}
	if req.WorkerID != "" {
		id, err := uuid.Parse(req.WorkerID)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid worker_id")
		}
		filter.WorkerID = &id
	}
	if req.Status != "" {
		st := Status(strings.ToUpper(req.Status))
		filter.Status = &st
	}

	tasks, err := h.service.List(ctx, Caller{Role: RoleAdmin}, filter)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ListTasksReply{Tasks: tasks}, nil
}

func (h *GrpcHandler) ConfirmLedgerID(ctx context.Context, req *ConfirmLedgerIDRequest) (*TaskReply, error) {
	id, err := parseTaskID(req.TaskID)
	if err != nil {
		return nil, err
	}

	conn, release, err := h.ledgers.Acquire(ctx, "", "")
	if err != nil {
		return nil, grpcError(fromLedger(OpConfirm, id, err))
	}
	defer release()

	task, err := h.service.ConfirmLedgerID(ctx, conn, id, req.Candidate)
	if err != nil {
		return nil, grpcError(err)
	}
	return &TaskReply{Task: task}, nil
}

func parseTaskID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "invalid task_id")
	}
	return id, nil
}

func grpcError(err error) error {
	var serr *Error
	if !errors.As(err, &serr) {
		return status.Error(codes.Internal, err.Error())
	}
	var code codes.Code
	switch serr.Kind {
	case KindValidation:
		code = codes.InvalidArgument
	case KindAuthorization:
		code = codes.PermissionDenied
	case KindNotFound:
		code = codes.NotFound
	case KindPrecondition, KindLedgerRejected, KindLedgerReverted:
		code = codes.FailedPrecondition
	case KindReconciliationConflict:
		code = codes.Aborted
	case KindLedgerTimeout:
		code = codes.DeadlineExceeded
	case KindLedgerUnavailable, KindStoreUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, serr.Error())
}

// GrpcClient calls SettlementServer with the JSON codec.
type GrpcClient struct {
	cc    grpc.ClientConnInterface
	token string
}

func NewGrpcClient(cc grpc.ClientConnInterface) *GrpcClient {
	return &GrpcClient{cc: cc}
}

// WithToken returns a client that sends token as a bearer credential on
// every call.
func (c *GrpcClient) WithToken(token string) *GrpcClient {
	return &GrpcClient{cc: c.cc, token: token}
}

func (c *GrpcClient) GetTask(ctx context.Context, req *TaskRequest) (*TaskReply, error) {
	out := new(TaskReply)
	return out, c.invoke(ctx, "GetTask", req, out)
}

func (c *GrpcClient) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksReply, error) {
	out := new(ListTasksReply)
	return out, c.invoke(ctx, "ListTasks", req, out)
}

func (c *GrpcClient) ReconcileTask(ctx context.Context, req *TaskRequest) (*TaskReply, error) {
	out := new(TaskReply)
	return out, c.invoke(ctx, "ReconcileTask", req, out)
}

func (c *GrpcClient) ConfirmLedgerID(ctx context.Context, req *ConfirmLedgerIDRequest) (*TaskReply, error) {
	out := new(TaskReply)
	return out, c.invoke(ctx, "ConfirmLedgerID", req, out)
}

func (c *GrpcClient) invoke(ctx context.Context, method string, req, out interface{}) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	return c.cc.Invoke(ctx, "/"+grpcServiceName+"/"+method, req, out, grpc.CallContentSubtype(CodecName))
}
