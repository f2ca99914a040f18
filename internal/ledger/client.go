package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

type Config struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	ConfirmTimeout  time.Duration
	MinAmountWei    *big.Int
}

// Backend is the node API the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ethereum.TransactionReader
	ethereum.ChainIDReader
	Close()
}

// Client owns the RPC connection and the bound contract. Writes go through a
// Session opened per request with the caller's signer.
type Client struct {
	eth            Backend
	contract       *bind.BoundContract
	abi            abi.ABI
	address        common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	minAmount      *big.Int
	logger         *log.Logger
}

func Dial(ctx context.Context, conf Config, logger *log.Logger) (*Client, error) {
	if !common.IsHexAddress(conf.ContractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", ErrInvalidInput, conf.ContractAddress)
	}
	eth, err := ethclient.DialContext(ctx, conf.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	client, err := NewClient(ctx, eth, conf, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return client, nil
}

// NewClient binds the escrow contract on an already connected backend. A zero
// ChainID is resolved from the node.
func NewClient(ctx context.Context, eth Backend, conf Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	if !common.IsHexAddress(conf.ContractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", ErrInvalidInput, conf.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}

	chainID := big.NewInt(conf.ChainID)
	if conf.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}

	timeout := conf.ConfirmTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	address := common.HexToAddress(conf.ContractAddress)
	return &Client{
		eth:            eth,
		contract:       bind.NewBoundContract(address, parsed, eth, eth, eth),
		abi:            parsed,
		address:        address,
		chainID:        chainID,
		confirmTimeout: timeout,
		minAmount:      conf.MinAmountWei,
		logger:         logger,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

// Open starts a session. A nil signer yields a read-only session whose writes
// fail with Rejected.
func (c *Client) Open(_ context.Context, signer Signer) *Session {
	return &Session{client: c, signer: signer}
}

// Session is a caller-scoped connection handle. It must be closed when the
// request that acquired it finishes.
type Session struct {
	client *Client
	signer Signer

	mu     sync.Mutex
	closed bool
}

var _ Conn = (*Session)(nil)

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signer = nil
}

func (s *Session) activeSigner() (Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.signer == nil {
		return nil, ErrNoSigner
	}
	return s.signer, nil
}

func (s *Session) Escrow(ctx context.Context, req EscrowRequest) (EscrowReceipt, error) {
	if err := ValidateEscrow(req, s.client.minAmount, time.Now()); err != nil {
		return EscrowReceipt{}, err
	}
	deadline := big.NewInt(req.Deadline.Unix())
	receipt, err := s.transact(ctx, methodCreateTask, req.AmountWei, req.Title, req.Description, deadline)
	if err != nil {
		return EscrowReceipt{}, err
	}
	return s.escrowReceipt(ctx, receipt)
}

func (s *Session) Assign(ctx context.Context, taskID uint64, worker string) (Receipt, error) {
	if err := ValidateAddress(worker); err != nil {
		return Receipt{}, err
	}
	receipt, err := s.transact(ctx, methodAssignWorker, nil, new(big.Int).SetUint64(taskID), common.HexToAddress(worker))
	if err != nil {
		return Receipt{}, err
	}
	return toReceipt(receipt), nil
}

func (s *Session) MarkComplete(ctx context.Context, taskID uint64) (Receipt, error) {
	receipt, err := s.transact(ctx, methodCompleteTask, nil, new(big.Int).SetUint64(taskID))
	if err != nil {
		return Receipt{}, err
	}
	return toReceipt(receipt), nil
}

func (s *Session) Release(ctx context.Context, taskID uint64) (Receipt, error) {
	receipt, err := s.transact(ctx, methodReleasePayment, nil, new(big.Int).SetUint64(taskID))
	if err != nil {
		return Receipt{}, err
	}
	return toReceipt(receipt), nil
}

func (s *Session) Refund(ctx context.Context, taskID uint64) (Receipt, error) {
	receipt, err := s.transact(ctx, methodRefundTask, nil, new(big.Int).SetUint64(taskID))
	if err != nil {
		return Receipt{}, err
	}
	return toReceipt(receipt), nil
}

type taskTuple struct {
	Employer    common.Address
	Worker      common.Address
	Amount      *big.Int
	IsCompleted bool
	IsPaid      bool
	Deadline    *big.Int
	Title       string
	Description string
}

func (s *Session) Read(ctx context.Context, taskID uint64) (TaskSnapshot, error) {
	var out []interface{}
	err := s.client.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodGetTask, new(big.Int).SetUint64(taskID))
	if err != nil {
		return TaskSnapshot{}, &Error{Kind: kindFor(err), Op: methodGetTask, Err: err}
	}
	if len(out) == 0 {
		return TaskSnapshot{}, &Error{Kind: Unavailable, Op: methodGetTask, Err: errors.New("empty result")}
	}
	tuple := *abi.ConvertType(out[0], new(taskTuple)).(*taskTuple)

	snapshot := TaskSnapshot{
		ID:          taskID,
		Employer:    tuple.Employer.Hex(),
		Worker:      tuple.Worker.Hex(),
		AmountWei:   tuple.Amount,
		IsCompleted: tuple.IsCompleted,
		IsPaid:      tuple.IsPaid,
		Title:       tuple.Title,
		Description: tuple.Description,
	}
	if tuple.Deadline != nil && tuple.Deadline.IsInt64() {
		snapshot.Deadline = time.Unix(tuple.Deadline.Int64(), 0).UTC()
	}
	return snapshot, nil
}

func (s *Session) TaskCount(ctx context.Context) (uint64, error) {
	var out []interface{}
	err := s.client.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodGetTaskCount)
	if err != nil {
		return 0, &Error{Kind: kindFor(err), Op: methodGetTaskCount, Err: err}
	}
	if len(out) == 0 {
		return 0, &Error{Kind: Unavailable, Op: methodGetTaskCount, Err: errors.New("empty result")}
	}
	count := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return count.Uint64(), nil
}

func (s *Session) TxStatus(ctx context.Context, txHash string) (TxState, error) {
	hash := common.HexToHash(txHash)
	receipt, err := s.client.eth.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return TxConfirmed, nil
		}
		return TxFailed, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return TxPending, &Error{Kind: Unavailable, Op: "txStatus", TxHash: txHash, Err: err}
	}

	_, pending, err := s.client.eth.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return TxDropped, nil
	case err != nil:
		return TxPending, &Error{Kind: Unavailable, Op: "txStatus", TxHash: txHash, Err: err}
	case pending:
		return TxPending, nil
	}
	// mined but the receipt is not indexed yet
	return TxPending, nil
}

func (s *Session) FindEscrow(ctx context.Context, txHash string) (EscrowReceipt, error) {
	receipt, err := s.client.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return EscrowReceipt{}, &Error{Kind: TimedOut, Op: methodCreateTask, TxHash: txHash, Err: err}
		}
		return EscrowReceipt{}, &Error{Kind: Unavailable, Op: methodCreateTask, TxHash: txHash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return EscrowReceipt{}, &Error{Kind: Reverted, Op: methodCreateTask, TxHash: txHash, Err: errors.New("transaction reverted")}
	}
	return s.escrowReceipt(ctx, receipt)
}

// transact signs, broadcasts and waits for the transaction. The caller's
// cancellation does not abort it once broadcast; only the confirmation bound
// does.
func (s *Session) transact(ctx context.Context, method string, value *big.Int, args ...interface{}) (*types.Receipt, error) {
	signer, err := s.activeSigner()
	if err != nil {
		return nil, classifySubmit(method, err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.client.confirmTimeout)
	defer cancel()

	opts := &bind.TransactOpts{
		From:    signer.Address(),
		Signer:  signerFn(signer, s.client.chainID),
		Value:   value,
		Context: callCtx,
		NoSend:  true,
	}
	tx, err := s.client.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, classifySubmit(method, err)
	}

	txHash := tx.Hash().Hex()
	if err := s.client.eth.SendTransaction(callCtx, tx); err != nil {
		kind := kindFor(err)
		if kind == Unavailable || kind == TimedOut {
			// the node may have accepted it before the error surfaced
			return nil, &Error{Kind: kind, Op: method, TxHash: txHash, Err: err}
		}
		return nil, &Error{Kind: kind, Op: method, Err: err}
	}
	s.client.logger.Printf("ledger %s broadcast tx=%s from=%s", method, txHash, signer.Address().Hex())

	receipt, err := bind.WaitMined(callCtx, s.client.eth, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: TimedOut, Op: method, TxHash: txHash, Err: err}
		}
		return nil, &Error{Kind: Unavailable, Op: method, TxHash: txHash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &Error{Kind: Reverted, Op: method, TxHash: txHash, Err: errors.New("transaction reverted")}
	}
	return receipt, nil
}

// escrowReceipt extracts the new ledger id from the TaskCreated event. Without
// the event it falls back to the task counter and flags the id uncertain.
func (s *Session) escrowReceipt(ctx context.Context, receipt *types.Receipt) (EscrowReceipt, error) {
	result := EscrowReceipt{Receipt: toReceipt(receipt)}

	created := s.client.abi.Events[eventTaskCreated]
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != s.client.address || len(entry.Topics) == 0 || entry.Topics[0] != created.ID {
			continue
		}
		var event struct {
			TaskId   *big.Int
			Employer common.Address
			Amount   *big.Int
			Title    string
		}
		if err := s.client.contract.UnpackLog(&event, eventTaskCreated, *entry); err != nil {
			s.client.logger.Printf("ledger decode %s in tx=%s: %v", eventTaskCreated, result.TxHash, err)
			continue
		}
		result.LedgerTaskID = event.TaskId.Uint64()
		return result, nil
	}

	// read after confirmation, so the count already includes the new task
	count, err := s.TaskCount(context.WithoutCancel(ctx))
	if err != nil {
		return EscrowReceipt{}, &Error{
			Kind:   Unavailable,
			Op:     methodCreateTask,
			TxHash: result.TxHash,
			Err:    fmt.Errorf("%w; task count fallback failed: %v", ErrNoCreateEvent, err),
		}
	}
	s.client.logger.Printf("ledger %s tx=%s: %v, derived id %d from task count", methodCreateTask, result.TxHash, ErrNoCreateEvent, count)
	result.LedgerTaskID = count
	result.Uncertain = true
	return result, nil
}

func toReceipt(receipt *types.Receipt) Receipt {
	r := Receipt{TxHash: receipt.TxHash.Hex()}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return r
}
