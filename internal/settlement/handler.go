package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/dto"
	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
	"github.com/google/uuid"
)

const (
	maxBodySize      = 1 << 20
	passphraseHeader = "X-Wallet-Passphrase"
)

var (
	errEmptyBody   = errors.New("request body is empty")
	errUnknownBody = errors.New("request body contains unexpected data")
)

type Handler struct {
	service Service
	auth    *Authenticator
	ledgers ledger.Provider
	logger  *log.Logger
}

func NewHandler(service Service, auth *Authenticator, ledgers ledger.Provider, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		service: service,
		auth:    auth,
		ledgers: ledgers,
		logger:  logger,
	}
}

func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", h.CreateTask)
	mux.HandleFunc("GET /tasks", h.TaskList)
	mux.HandleFunc("GET /tasks/{id}", h.GetTask)
	mux.HandleFunc("POST /tasks/{id}/escrow", h.Escrow)
	mux.HandleFunc("POST /tasks/{id}/assign", h.Assign)
	mux.HandleFunc("POST /tasks/{id}/complete", h.SignalCompletion)
	mux.HandleFunc("POST /tasks/{id}/release", h.ReleasePayment)
	mux.HandleFunc("POST /tasks/{id}/refund", h.Refund)
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req dto.CreateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deadline, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Deadline))
	if err != nil {
		writeError(w, http.StatusBadRequest, "deadline must be RFC3339")
		return
	}

	task, err := h.service.CreateDraft(r.Context(), caller, DraftInput{
		Title:         req.Title,
		Description:   req.Description,
		Deadline:      deadline,
		Amount:        req.Amount,
		CurrencyLabel: req.CurrencyLabel,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (h *Handler) TaskList(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var filter ListFilter
	q := r.URL.Query()
	if v := q.Get("employer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid employer_id")
			return
		}
		filter.EmployerID = &id
	}
	if v := q.Get("worker_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid worker_id")
			return
		}
		filter.WorkerID = &id
	}
	if v := q.Get("status"); v != "" {
		status := Status(strings.ToUpper(v))
		filter.Status = &status
	}

	tasks, err := h.service.List(r.Context(), caller, filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := make([]dto.TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, toTaskResponse(task))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	conn, release, err := h.ledgers.Acquire(r.Context(), "", "")
	if err != nil {
		h.logger.Printf("get task=%s: ledger session: %v", id, err)
		conn = nil
	} else {
		defer release()
	}

	task, report, err := h.service.Get(r.Context(), conn, caller, id)
	if err != nil && KindOf(err) != KindReconciliationConflict {
		h.writeServiceError(w, err)
		return
	}

	resp := dto.ReadResponse{Task: toTaskResponse(task), Reconcile: string(report.Action)}
	if report.LedgerStage != ledger.StageUnknown {
		resp.LedgerStage = report.LedgerStage.String()
	}
	if report.Err != nil {
		resp.LedgerError = report.Err.Error()
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusConflict
	}
	writeJSON(w, code, resp)
}

func (h *Handler) Escrow(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, func(ctx context.Context, conn ledger.Conn, caller Caller, id uuid.UUID) (Result, error) {
		return h.service.Escrow(ctx, conn, caller, id)
	})
}

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var req dto.AssignTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker_id")
		return
	}

	h.runOperation(w, r, func(ctx context.Context, conn ledger.Conn, caller Caller, id uuid.UUID) (Result, error) {
		return h.service.Assign(ctx, conn, caller, id, workerID, req.WorkerAddress)
	})
}

func (h *Handler) SignalCompletion(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, func(ctx context.Context, conn ledger.Conn, caller Caller, id uuid.UUID) (Result, error) {
		return h.service.SignalCompletion(ctx, conn, caller, id)
	})
}

func (h *Handler) ReleasePayment(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, func(ctx context.Context, conn ledger.Conn, caller Caller, id uuid.UUID) (Result, error) {
		return h.service.ReleasePayment(ctx, conn, caller, id)
	})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, func(ctx context.Context, conn ledger.Conn, caller Caller, id uuid.UUID) (Result, error) {
		return h.service.Refund(ctx, conn, caller, id)
	})
}

type operation func(ctx context.Context, conn ledger.Conn, caller Caller, id uuid.UUID) (Result, error)

// runOperation opens a signing session for the caller's wallet for the
// duration of one request.
func (h *Handler) runOperation(w http.ResponseWriter, r *http.Request, op operation) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	passphrase := r.Header.Get(passphraseHeader)
	if caller.Wallet == "" || passphrase == "" {
		writeError(w, http.StatusBadRequest, "a wallet and "+passphraseHeader+" are required")
		return
	}
	conn, release, err := h.ledgers.Acquire(r.Context(), caller.Wallet, passphrase)
	if err != nil {
		h.writeServiceError(w, fromLedger(OpReconcile, id, err))
		return
	}
	defer release()

	result, err := op(r.Context(), conn, caller, id)
	if err != nil && result.Outcome != OutcomePartial && result.Outcome != OutcomePending {
		h.writeServiceError(w, err)
		return
	}

	resp := dto.OperationResponse{
		Outcome:   string(result.Outcome),
		TxHash:    result.TxHash,
		Uncertain: result.Uncertain,
		Task:      toTaskResponse(result.Task),
	}
	code := http.StatusOK
	if err != nil {
		resp.Error = errorBody(err)
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	caller, err := h.auth.Authenticate(r)
	if err == nil {
		return caller, true
	}
	if errors.Is(err, errUnauthorized) {
		writeError(w, http.StatusUnauthorized, "authentication required")
	} else {
		h.logger.Printf("authenticate: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
	return Caller{}, false
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	code := httpStatus(KindOf(err))
	if code == http.StatusInternalServerError {
		h.logger.Printf("request failed: %v", err)
	}
	writeJSON(w, code, errorBody(err))
}

func httpStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindPrecondition, KindReconciliationConflict:
		return http.StatusConflict
	case KindLedgerRejected, KindLedgerReverted:
		return http.StatusUnprocessableEntity
	case KindLedgerTimeout:
		return http.StatusGatewayTimeout
	case KindLedgerUnavailable, KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) *dto.ErrorBody {
	body := &dto.ErrorBody{Error: err.Error()}
	var serr *Error
	if errors.As(err, &serr) {
		body.Kind = string(serr.Kind)
		body.TxHash = serr.TxHash
		body.Retryable = serr.Kind.Retryable()
	}
	return body
}

func toTaskResponse(task Task) dto.TaskResponse {
	resp := dto.TaskResponse{
		ID:                task.ID.String(),
		LedgerTaskID:      task.LedgerTaskID,
		LedgerIDConfirmed: task.LedgerIDConfirmed,
		EmployerID:        task.EmployerID.String(),
		EmployerAddress:   task.EmployerAddress,
		WorkerAddress:     task.WorkerAddress,
		Title:             task.Title,
		Description:       task.Description,
		Deadline:          task.Deadline.Format(time.RFC3339),
		AmountWei:         task.AmountWei,
		CurrencyLabel:     task.CurrencyLabel,
		Status:            string(task.Status),
		ClientAccepted:    task.ClientAccepted,
		WorkerAccepted:    task.WorkerAccepted,
		LastTxHash:        task.LastTxHash,
		PendingTxHash:     task.PendingTxHash,
		FailureReason:     task.FailureReason,
		CreatedAt:         task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         task.UpdatedAt.Format(time.RFC3339),
	}
	if task.WorkerID != nil {
		id := task.WorkerID.String()
		resp.WorkerID = &id
	}
	if task.PendingOp != nil {
		op := string(*task.PendingOp)
		resp.PendingOp = &op
	}
	if wei, ok := new(big.Int).SetString(task.AmountWei, 10); ok {
		resp.Amount = ledger.FormatAmount(wei)
	}
	return resp
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if decoder.More() {
		return errUnknownBody
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, &dto.ErrorBody{Error: message})
}
