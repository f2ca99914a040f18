package dto

// CreateTaskRequest - draft task form (HTTP)
type CreateTaskRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Deadline      string `json:"deadline"` // RFC3339
	Amount        string `json:"amount"`   // decimal, in whole currency units
	CurrencyLabel string `json:"currency_label,omitempty"`
}

// AssignTaskRequest - worker binding (HTTP)
type AssignTaskRequest struct {
	WorkerID      string `json:"worker_id"`
	WorkerAddress string `json:"worker_address"`
}

// TaskResponse - shadow record (HTTP)
type TaskResponse struct {
	ID                string  `json:"id"`
	LedgerTaskID      *uint64 `json:"ledger_task_id,omitempty"`
	LedgerIDConfirmed bool    `json:"ledger_id_confirmed"`
	EmployerID        string  `json:"employer_id"`
	EmployerAddress   string  `json:"employer_address"`
	WorkerID          *string `json:"worker_id,omitempty"`
	WorkerAddress     *string `json:"worker_address,omitempty"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	Deadline          string  `json:"deadline"`
	Amount            string  `json:"amount"`
	AmountWei         string  `json:"amount_wei"`
	CurrencyLabel     string  `json:"currency_label"`
	Status            string  `json:"status"`
	ClientAccepted    bool    `json:"client_accepted"`
	WorkerAccepted    bool    `json:"worker_accepted"`
	LastTxHash        *string `json:"last_tx_hash,omitempty"`
	PendingOp         *string `json:"pending_op,omitempty"`
	PendingTxHash     *string `json:"pending_tx_hash,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

// OperationResponse - result of a ledger-backed operation (HTTP)
type OperationResponse struct {
	Outcome   string       `json:"outcome"`
	TxHash    string       `json:"tx_hash,omitempty"`
	Uncertain bool         `json:"ledger_id_uncertain,omitempty"`
	Error     *ErrorBody   `json:"error,omitempty"`
	Task      TaskResponse `json:"task"`
}

// ReadResponse - reconciling read (HTTP)
type ReadResponse struct {
	Task        TaskResponse `json:"task"`
	Reconcile   string       `json:"reconcile"`
	LedgerStage string       `json:"ledger_stage,omitempty"`
	LedgerError string       `json:"ledger_error,omitempty"`
}

// ErrorBody - error payload (HTTP)
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Retryable bool   `json:"retryable"`
}
