// Package evm implements the execution ledger on top of the agent registry
// and escrow contracts using go-ethereum bindings.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

// Config locates the contracts.
type Config struct {
	RegistryAddress common.Address
	EscrowAddress   common.Address
	// Timeout bounds a single transaction including the wait for its receipt.
	Timeout time.Duration
}

// Ledger talks to the registry and escrow contracts.
type Ledger struct {
	backend     web3.Backend
	signer      *bind.TransactOpts
	registry    *bind.BoundContract
	escrow      *bind.BoundContract
	registryABI abi.ABI
	registryAt  common.Address
	timeout     time.Duration

	// txMu serialises sends so nonces are assigned in order.
	txMu sync.Mutex
}

// NewSigner builds transact options from a hex encoded private key.
func NewSigner(hexKey string, chainID *big.Int) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger signer key: %w", err)
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

// New binds the contracts. signer may be nil for a read-only ledger.
func New(backend web3.Backend, signer *bind.TransactOpts, cfg Config) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("evm ledger requires a chain backend")
	}
	if cfg.RegistryAddress == (common.Address{}) {
		return nil, errors.New("evm ledger requires a registry address")
	}
	registryABI, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	escrowABI, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}

	l := &Ledger{
		backend:     backend,
		signer:      signer,
		registry:    bind.NewBoundContract(cfg.RegistryAddress, registryABI, backend, backend, backend),
		registryABI: registryABI,
		registryAt:  cfg.RegistryAddress,
		timeout:     cfg.Timeout,
	}
	if cfg.EscrowAddress != (common.Address{}) {
		l.escrow = bind.NewBoundContract(cfg.EscrowAddress, escrowABI, backend, backend, backend)
	}
	return l, nil
}

// BeginExecution consumes the payment hash on chain and returns the execution id
// emitted by the ExecutionStarted event.
func (l *Ledger) BeginExecution(ctx context.Context, agentID uint64, paymentHash payment.Hash, input string) (uint64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	used, err := l.isPaymentUsed(ctx, paymentHash)
	if err != nil {
		return 0, err
	}
	if used {
		return 0, ledger.ErrPaymentHashUsed
	}

	receipt, err := l.transact(ctx, l.registry, "beginExecution", new(big.Int).SetUint64(agentID), [32]byte(paymentHash), input)
	if err != nil {
		return 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A concurrent request may have consumed the hash between the check and the send.
		if used, checkErr := l.isPaymentUsed(ctx, paymentHash); checkErr == nil && used {
			return 0, ledger.ErrPaymentHashUsed
		}
		return 0, xerrors.New(ledger.CodeLedgerUnavailable, fmt.Sprintf("beginExecution reverted in tx %s", receipt.TxHash.Hex()))
	}
	return l.executionIDFromLogs(receipt.Logs)
}

// CompleteExecution records the outcome of an execution.
func (l *Ledger) CompleteExecution(ctx context.Context, executionID uint64, output string, success bool) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	receipt, err := l.transact(ctx, l.registry, "completeExecution", new(big.Int).SetUint64(executionID), output, success)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return xerrors.New(ledger.CodeLedgerUnavailable, fmt.Sprintf("completeExecution reverted in tx %s", receipt.TxHash.Hex()))
	}
	return nil
}

// GetAgent reads an agent profile.
func (l *Ledger) GetAgent(ctx context.Context, agentID uint64) (*ledger.AgentProfile, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var out []any
	if err := l.registry.Call(&bind.CallOpts{Context: ctx}, &out, "getAgent", new(big.Int).SetUint64(agentID)); err != nil {
		return nil, xerrors.Wrap(ledger.CodeLedgerUnavailable, err, "getAgent call failed")
	}
	profile, err := decodeAgent(agentID, out)
	if err != nil {
		return nil, err
	}
	if !profile.Active && profile.Name == "" {
		return nil, ledger.ErrAgentNotFound
	}
	return profile, nil
}

// ReleasePayment distributes escrowed funds for a settled payment.
func (l *Ledger) ReleasePayment(ctx context.Context, paymentHash payment.Hash, agentID uint64) error {
	if l.escrow == nil {
		return xerrors.New(ledger.CodeLedgerUnavailable, "escrow contract not configured")
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	receipt, err := l.transact(ctx, l.escrow, "releasePayment", [32]byte(paymentHash), new(big.Int).SetUint64(agentID))
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return xerrors.New(ledger.CodeLedgerUnavailable, fmt.Sprintf("releasePayment reverted in tx %s", receipt.TxHash.Hex()))
	}
	return nil
}

func (l *Ledger) isPaymentUsed(ctx context.Context, paymentHash payment.Hash) (bool, error) {
	var out []any
	if err := l.registry.Call(&bind.CallOpts{Context: ctx}, &out, "isPaymentUsed", [32]byte(paymentHash)); err != nil {
		return false, xerrors.Wrap(ledger.CodeLedgerUnavailable, err, "isPaymentUsed call failed")
	}
	if len(out) != 1 {
		return false, xerrors.New(ledger.CodeLedgerUnavailable, "isPaymentUsed returned unexpected output")
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, xerrors.New(ledger.CodeLedgerUnavailable, "isPaymentUsed returned non-bool")
	}
	return used, nil
}

func (l *Ledger) transact(ctx context.Context, contract *bind.BoundContract, method string, params ...any) (*types.Receipt, error) {
	if l.signer == nil {
		return nil, xerrors.New(ledger.CodeLedgerUnavailable, "ledger signer not configured")
	}
	opts := *l.signer
	opts.Context = ctx

	l.txMu.Lock()
	tx, err := contract.Transact(&opts, method, params...)
	l.txMu.Unlock()
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeLedgerUnavailable, err, method+" send failed")
	}
	logger.L().Debug("ledger transaction sent", "method", method, "tx", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeLedgerUnavailable, err, method+" receipt not available")
	}
	return receipt, nil
}

func (l *Ledger) executionIDFromLogs(logs []*types.Log) (uint64, error) {
	event, ok := l.registryABI.Events["ExecutionStarted"]
	if !ok {
		return 0, errors.New("registry abi lacks ExecutionStarted")
	}
	for _, lg := range logs {
		if lg == nil || lg.Address != l.registryAt || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		var started struct {
			AgentId     *big.Int
			PaymentHash [32]byte
			ExecutionId *big.Int
		}
		if err := l.registry.UnpackLog(&started, "ExecutionStarted", *lg); err != nil {
			return 0, xerrors.Wrap(ledger.CodeLedgerUnavailable, err, "decode ExecutionStarted")
		}
		if started.ExecutionId == nil || !started.ExecutionId.IsUint64() {
			return 0, xerrors.New(ledger.CodeLedgerUnavailable, "execution id out of range")
		}
		return started.ExecutionId.Uint64(), nil
	}
	return 0, xerrors.New(ledger.CodeLedgerUnavailable, "ExecutionStarted event missing from receipt")
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

func decodeAgent(agentID uint64, out []any) (*ledger.AgentProfile, error) {
	if len(out) != 8 {
		return nil, xerrors.New(ledger.CodeLedgerUnavailable, fmt.Sprintf("getAgent returned %d values", len(out)))
	}
	name, ok1 := out[0].(string)
	description, ok2 := out[1].(string)
	price, ok3 := out[2].(*big.Int)
	beneficiary, ok4 := out[3].(common.Address)
	total, ok5 := out[4].(*big.Int)
	successful, ok6 := out[5].(*big.Int)
	reputation, ok7 := out[6].(*big.Int)
	active, ok8 := out[7].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return nil, xerrors.New(ledger.CodeLedgerUnavailable, "getAgent returned unexpected types")
	}
	return &ledger.AgentProfile{
		ID:                   agentID,
		Name:                 name,
		Description:          description,
		Price:                price,
		Beneficiary:          beneficiary,
		TotalExecutions:      total.Uint64(),
		SuccessfulExecutions: successful.Uint64(),
		Reputation:           reputation.Uint64(),
		Active:               active,
	}, nil
}

var _ ledger.Ledger = (*Ledger)(nil)
