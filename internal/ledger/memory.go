package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// Execution 是内存账本中的执行记录。
type Execution struct {
	ID          uint64
	AgentID     uint64
	PaymentHash payment.Hash
	Input       string
	Output      string
	Success     bool
	Completed   bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// MemoryLedger 是开发与测试使用的账本实现，与合约保持相同的不变量。
type MemoryLedger struct {
	mu         sync.Mutex
	agents     map[uint64]*AgentProfile
	executions map[uint64]*Execution
	usedHashes map[payment.Hash]uint64
	released   map[payment.Hash]bool
	nextID     uint64
	now        func() time.Time
}

// NewMemoryLedger 创建空的内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		agents:     make(map[uint64]*AgentProfile),
		executions: make(map[uint64]*Execution),
		usedHashes: make(map[payment.Hash]uint64),
		released:   make(map[payment.Hash]bool),
		nextID:     1,
		now:        time.Now,
	}
}

// RegisterAgent 登记或覆盖智能体，计数器从零开始。
func (m *MemoryLedger) RegisterAgent(profile AgentProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := profile
	if p.Price == nil {
		p.Price = big.NewInt(0)
	}
	p.TotalExecutions, p.SuccessfulExecutions, p.Reputation = 0, 0, 0
	p.Active = true
	m.agents[p.ID] = &p
}

// BeginExecution 实现 Ledger。
func (m *MemoryLedger) BeginExecution(_ context.Context, agentID uint64, paymentHash payment.Hash, input string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok || !agent.Active {
		return 0, ErrAgentNotFound
	}
	if _, used := m.usedHashes[paymentHash]; used {
		return 0, ErrPaymentHashUsed
	}

	id := m.nextID
	m.nextID++
	m.usedHashes[paymentHash] = id
	m.executions[id] = &Execution{
		ID:          id,
		AgentID:     agentID,
		PaymentHash: paymentHash,
		Input:       input,
		StartedAt:   m.now(),
	}
	agent.TotalExecutions++
	agent.Reputation = Reputation(agent.SuccessfulExecutions, agent.TotalExecutions)
	return id, nil
}

// CompleteExecution 实现 Ledger。
func (m *MemoryLedger) CompleteExecution(_ context.Context, executionID uint64, output string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("执行 %d 不存在", executionID))
	}
	if exec.Completed {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("执行 %d 已完成", executionID))
	}
	exec.Output = output
	exec.Success = success
	exec.Completed = true
	exec.CompletedAt = m.now()

	if success {
		agent := m.agents[exec.AgentID]
		agent.SuccessfulExecutions++
		agent.Reputation = Reputation(agent.SuccessfulExecutions, agent.TotalExecutions)
	}
	return nil
}

// GetAgent 实现 Ledger，返回副本。
func (m *MemoryLedger) GetAgent(_ context.Context, agentID uint64) (*AgentProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *agent
	cp.Price = new(big.Int).Set(agent.Price)
	return &cp, nil
}

// ReleasePayment 实现 Ledger。只有已开启执行的付款可以释放，且只能释放一次。
func (m *MemoryLedger) ReleasePayment(_ context.Context, paymentHash payment.Hash, agentID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	execID, ok := m.usedHashes[paymentHash]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "付款未被托管")
	}
	if m.executions[execID].AgentID != agentID {
		return xerrors.New(xerrors.CodeInvalidArgument, "付款与智能体不匹配")
	}
	if m.released[paymentHash] {
		return xerrors.New(xerrors.CodeConflict, "托管资金已释放")
	}
	m.released[paymentHash] = true
	return nil
}

// Execution 返回执行记录副本。
func (m *MemoryLedger) Execution(id uint64) (Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// Released 判断付款是否已经分账。
func (m *MemoryLedger) Released(paymentHash payment.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released[paymentHash]
}

var _ Ledger = (*MemoryLedger)(nil)
