package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

func newLedger() *MemoryLedger {
	l := NewMemoryLedger()
	l.RegisterAgent(AgentProfile{ID: 1, Name: "analyst", Price: big.NewInt(100000)})
	return l
}

func TestBeginIsIdempotentPerHash(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	id, err := l.BeginExecution(ctx, 1, payment.Hash{1}, "hello")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	_, err = l.BeginExecution(ctx, 1, payment.Hash{1}, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPaymentHashUsed))
	assert.Equal(t, payment.CodePaymentAlreadyUsed, xerrors.CodeOf(err))

	agent, err := l.GetAgent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), agent.TotalExecutions)
}

func TestConcurrentBeginSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.BeginExecution(ctx, 1, payment.Hash{9}, "x"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCompleteUpdatesReputation(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	first, err := l.BeginExecution(ctx, 1, payment.Hash{1}, "a")
	require.NoError(t, err)
	second, err := l.BeginExecution(ctx, 1, payment.Hash{2}, "b")
	require.NoError(t, err)

	require.NoError(t, l.CompleteExecution(ctx, first, "ok", true))
	require.NoError(t, l.CompleteExecution(ctx, second, "", false))
	require.Error(t, l.CompleteExecution(ctx, first, "again", true))
	require.Error(t, l.CompleteExecution(ctx, 99, "", true))

	agent, err := l.GetAgent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), agent.TotalExecutions)
	assert.Equal(t, uint64(1), agent.SuccessfulExecutions)
	assert.Equal(t, uint64(5000), agent.Reputation)

	exec, ok := l.Execution(first)
	require.True(t, ok)
	assert.Equal(t, "ok", exec.Output)
	assert.True(t, exec.Completed)
}

func TestUnknownAgent(t *testing.T) {
	_, err := newLedger().BeginExecution(context.Background(), 42, payment.Hash{1}, "")
	assert.Equal(t, CodeAgentNotFound, xerrors.CodeOf(err))

	_, err = newLedger().GetAgent(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestReleaseOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	require.Error(t, l.ReleasePayment(ctx, payment.Hash{3}, 1))

	_, err := l.BeginExecution(ctx, 1, payment.Hash{3}, "")
	require.NoError(t, err)
	require.Error(t, l.ReleasePayment(ctx, payment.Hash{3}, 2))
	require.NoError(t, l.ReleasePayment(ctx, payment.Hash{3}, 1))
	require.Error(t, l.ReleasePayment(ctx, payment.Hash{3}, 1))
	assert.True(t, l.Released(payment.Hash{3}))
}

func TestReputationBounds(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("reputation stays within scale", prop.ForAll(
		func(total, successful uint64) bool {
			if successful > total {
				successful = total
			}
			r := Reputation(successful, total)
			if total == 0 {
				return r == 0
			}
			return r <= ReputationScale && (successful != total || r == ReputationScale)
		},
		gen.UInt64Range(0, 1_000_000), gen.UInt64Range(0, 1_000_000),
	))
	properties.TestingRun(t)
}
