package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

const hashA = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func TestMemoryStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)

	rec := ExecutionRecord{ID: 1, AgentID: 7, PaymentHash: "0xAA", Payer: "0xABC", Input: "hi", Verified: true}
	require.NoError(t, store.CreateExecution(ctx, rec))

	rec.Input = "overwritten"
	require.NoError(t, store.CreateExecution(ctx, rec), "duplicate insert is a no-op")

	got, err := store.GetExecution(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Input)
	assert.Equal(t, "0xaa", got.PaymentHash)
	assert.Equal(t, "0xabc", got.Payer)
	assert.False(t, got.Completed)

	require.NoError(t, store.CompleteExecution(ctx, 1, "answer", true))
	err = store.CompleteExecution(ctx, 1, "again", false)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	got, err = store.GetExecution(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.True(t, got.Success)
	assert.Equal(t, "answer", got.Output)

	err = store.CompleteExecution(ctx, 99, "x", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorePaymentTransitions(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)

	require.NoError(t, store.CreatePayment(ctx, PaymentRecord{PaymentHash: hashA, AgentID: 7, Amount: "100000", Status: payment.StatusSettled}))
	got, err := store.GetPayment(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status, "new payments always start pending")

	require.NoError(t, store.UpdatePaymentStatus(ctx, hashA, payment.StatusSettled, PaymentUpdate{TxRef: "0xtx", PlatformFee: "10000", BeneficiaryShare: "90000", ExecutionID: 3}))
	err = store.UpdatePaymentStatus(ctx, hashA, payment.StatusRefunded, PaymentUpdate{})
	assert.True(t, xerrors.HasCode(err, CodeInvalidTransition))

	require.NoError(t, store.UpdatePaymentStatus(ctx, hashA, payment.StatusFailed, PaymentUpdate{LastError: "release reverted"}))
	err = store.UpdatePaymentStatus(ctx, hashA, payment.StatusSettled, PaymentUpdate{})
	assert.True(t, xerrors.HasCode(err, CodeInvalidTransition))

	got, err = store.GetPayment(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, got.Status)
	assert.Equal(t, "0xtx", got.TxRef)
	assert.Equal(t, uint64(3), got.ExecutionID)
	assert.Equal(t, "release reverted", got.LastError)

	resolved, err := store.ResolvePayment(ctx, hashA, "  refunded manually  ")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, resolved.Status)
	assert.Equal(t, "refunded manually", resolved.ResolutionNote)
	assert.True(t, resolved.Resolved())

	_, err = store.ResolvePayment(ctx, "0xdead", "n/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)

	for i, agent := range []uint64{1, 2, 1} {
		id := uint64(i + 1)
		require.NoError(t, store.CreateExecution(ctx, ExecutionRecord{ID: id, AgentID: agent, PaymentHash: string(rune('a' + i))}))
		require.NoError(t, store.CompleteExecution(ctx, id, "out", i != 1))
	}

	all, err := store.ListExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].ID, "newest first")

	agentOne, err := store.ListExecutions(ctx, WithAgent(1))
	require.NoError(t, err)
	assert.Len(t, agentOne, 2)

	failed, err := store.ListExecutions(ctx, WithSuccess(false))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(2), failed[0].ID)

	page, err := store.ListExecutions(ctx, WithLimit(1), WithOffset(1))
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(2), page[0].ID)

	empty, err := store.ListExecutions(ctx, WithOffset(10))
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.CreatePayment(ctx, PaymentRecord{PaymentHash: "0x01", AgentID: 1}))
	require.NoError(t, store.CreatePayment(ctx, PaymentRecord{PaymentHash: "0x02", AgentID: 1}))
	require.NoError(t, store.UpdatePaymentStatus(ctx, "0x01", payment.StatusFailed, PaymentUpdate{}))
	require.NoError(t, store.UpdatePaymentStatus(ctx, "0x02", payment.StatusFailed, PaymentUpdate{}))
	_, err = store.ResolvePayment(ctx, "0x01", "done")
	require.NoError(t, err)

	open, err := store.ListPayments(ctx, WithStatuses(payment.StatusFailed, "bogus"), WithUnresolved())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "0x02", open[0].PaymentHash)
}

func TestMemoryStorePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewMemoryStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.CreateExecution(ctx, ExecutionRecord{ID: 5, AgentID: 1, PaymentHash: hashA}))
	require.NoError(t, store.CompleteExecution(ctx, 5, "done", true))
	require.NoError(t, store.CreatePayment(ctx, PaymentRecord{PaymentHash: hashA, AgentID: 1, Amount: "100000"}))
	require.NoError(t, store.UpdatePaymentStatus(ctx, hashA, payment.StatusSettled, PaymentUpdate{PlatformFee: "10000", BeneficiaryShare: "90000"}))
	require.NoError(t, store.Close())

	reopened, err := NewMemoryStore(dir)
	require.NoError(t, err)

	exec, err := reopened.GetExecution(ctx, 5)
	require.NoError(t, err)
	assert.True(t, exec.Completed)
	assert.Equal(t, "done", exec.Output)

	pay, err := reopened.GetPayment(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSettled, pay.Status)

	list, err := reopened.ListPayments(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)

	require.NoError(t, store.CreateExecution(ctx, ExecutionRecord{ID: 1, AgentID: 1, PaymentHash: "0x01"}))
	require.NoError(t, store.CompleteExecution(ctx, 1, "ok", true))
	require.NoError(t, store.CreateExecution(ctx, ExecutionRecord{ID: 2, AgentID: 1, PaymentHash: "0x02"}))
	require.NoError(t, store.CompleteExecution(ctx, 2, "bad", false))

	require.NoError(t, store.CreatePayment(ctx, PaymentRecord{PaymentHash: "0x01", AgentID: 1, Amount: "100000"}))
	require.NoError(t, store.UpdatePaymentStatus(ctx, "0x01", payment.StatusSettled, PaymentUpdate{PlatformFee: "10000", BeneficiaryShare: "90000"}))
	require.NoError(t, store.CreatePayment(ctx, PaymentRecord{PaymentHash: "0x02", AgentID: 1, Amount: "100000"}))
	require.NoError(t, store.UpdatePaymentStatus(ctx, "0x02", payment.StatusRefunded, PaymentUpdate{}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, 2, s.Executions)
	assert.Equal(t, 1, s.Successful)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.Equal(t, 1, s.Settled)
	assert.Equal(t, 1, s.Refunded)
	assert.Equal(t, "100000", s.Revenue)
	assert.Equal(t, "10000", s.PlatformFees)
	assert.Equal(t, "90000", s.BeneficiaryShare)
}
