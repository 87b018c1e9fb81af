package activity

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

const logFileName = "activity.log"

// logEntry 是日志文件中的一行，保存变更后的完整快照。
type logEntry struct {
	Execution *ExecutionRecord `json:"execution,omitempty"`
	Payment   *PaymentRecord   `json:"payment,omitempty"`
}

// MemoryStore 在内存中维护记录，并以 JSON Lines 追加写入本地文件，方便开发环境重启后恢复。
type MemoryStore struct {
	mu         sync.RWMutex
	dataFile   string
	executions map[uint64]*ExecutionRecord
	execOrder  []uint64
	payments   map[string]*PaymentRecord
	payOrder   []string
	now        func() time.Time
}

// NewMemoryStore 创建内存存储。dataDir 为空时不落盘。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	store := &MemoryStore{
		executions: make(map[uint64]*ExecutionRecord),
		payments:   make(map[string]*PaymentRecord),
		now:        time.Now,
	}
	if strings.TrimSpace(dataDir) == "" {
		return store, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store.dataFile = filepath.Join(dataDir, logFileName)
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// CreateExecution 记录新执行。同一 ID 已存在时保持原记录。
func (m *MemoryStore) CreateExecution(_ context.Context, record ExecutionRecord) error {
	if record.ID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[record.ID]; exists {
		return nil
	}
	now := m.now().Unix()
	record.PaymentHash = NormalizeHash(record.PaymentHash)
	record.Payer = strings.ToLower(record.Payer)
	record.Completed = false
	record.CreatedAt = now
	record.UpdatedAt = now
	if err := m.appendLocked(logEntry{Execution: &record}); err != nil {
		return err
	}
	m.executions[record.ID] = &record
	m.execOrder = append(m.execOrder, record.ID)
	return nil
}

// CompleteExecution 写入执行结果，只允许一次。
func (m *MemoryStore) CompleteExecution(_ context.Context, id uint64, output string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if current.Completed {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("execution %d 已完成", id))
	}
	updated := *current
	updated.Output = output
	updated.Success = success
	updated.Completed = true
	updated.UpdatedAt = m.now().Unix()
	if err := m.appendLocked(logEntry{Execution: &updated}); err != nil {
		return err
	}
	*current = updated
	return nil
}

// GetExecution 查询执行记录。
func (m *MemoryStore) GetExecution(_ context.Context, id uint64) (*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListExecutions 按创建时间倒序返回执行记录。
func (m *MemoryStore) ListExecutions(_ context.Context, opts ...ListOption) ([]ExecutionRecord, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ExecutionRecord
	for i := len(m.execOrder) - 1; i >= 0; i-- {
		rec := m.executions[m.execOrder[i]]
		if options.matchExecution(*rec) {
			matched = append(matched, *rec)
		}
	}
	return paginate(matched, options), nil
}

// CreatePayment 记录新付款，初始状态固定为 pending。
func (m *MemoryStore) CreatePayment(_ context.Context, record PaymentRecord) error {
	record.PaymentHash = NormalizeHash(record.PaymentHash)
	if record.PaymentHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment hash 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[record.PaymentHash]; exists {
		return nil
	}
	now := m.now().Unix()
	record.Payer = strings.ToLower(record.Payer)
	record.Status = payment.StatusPending
	record.CreatedAt = now
	record.UpdatedAt = now
	if err := m.appendLocked(logEntry{Payment: &record}); err != nil {
		return err
	}
	m.payments[record.PaymentHash] = &record
	m.payOrder = append(m.payOrder, record.PaymentHash)
	return nil
}

// UpdatePaymentStatus 执行状态迁移。
func (m *MemoryStore) UpdatePaymentStatus(_ context.Context, hash string, to payment.Status, update PaymentUpdate) error {
	hash = NormalizeHash(hash)
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[hash]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(current.Status, to); err != nil {
		return err
	}
	updated := *current
	updated.Status = to
	applyUpdate(&updated, update)
	updated.UpdatedAt = m.now().Unix()
	if err := m.appendLocked(logEntry{Payment: &updated}); err != nil {
		return err
	}
	*current = updated
	return nil
}

// ResolvePayment 追加人工处理备注，状态保持不变。
func (m *MemoryStore) ResolvePayment(_ context.Context, hash, note string) (*PaymentRecord, error) {
	hash = NormalizeHash(hash)
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[hash]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now().Unix()
	updated := *current
	updated.ResolutionNote = strings.TrimSpace(note)
	updated.ResolvedAt = now
	updated.UpdatedAt = now
	if err := m.appendLocked(logEntry{Payment: &updated}); err != nil {
		return nil, err
	}
	*current = updated
	cp := updated
	return &cp, nil
}

// GetPayment 查询付款记录。
func (m *MemoryStore) GetPayment(_ context.Context, hash string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.payments[NormalizeHash(hash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListPayments 按创建时间倒序返回付款记录。
func (m *MemoryStore) ListPayments(_ context.Context, opts ...ListOption) ([]PaymentRecord, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []PaymentRecord
	for i := len(m.payOrder) - 1; i >= 0; i-- {
		rec := m.payments[m.payOrder[i]]
		if options.matchPayment(*rec) {
			matched = append(matched, *rec)
		}
	}
	return paginate(matched, options), nil
}

// Stats 汇总每个智能体的执行与收入。
func (m *MemoryStore) Stats(_ context.Context) ([]AgentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b := newStatsBuilder()
	for _, rec := range m.executions {
		successful := 0
		if rec.Completed && rec.Success {
			successful = 1
		}
		b.addExecutions(rec.AgentID, 1, successful)
	}
	for _, rec := range m.payments {
		b.addPayments(rec.AgentID, rec.Status, 1, rec.Amount, rec.PlatformFee, rec.BeneficiaryShare)
	}
	return b.result(), nil
}

// Close 释放资源。
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) appendLocked(entry logEntry) error {
	if m.dataFile == "" {
		return nil
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开活动日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化活动记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入活动日志失败")
	}
	return nil
}

func (m *MemoryStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取活动日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry logEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if rec := entry.Execution; rec != nil {
			if _, seen := m.executions[rec.ID]; !seen {
				m.execOrder = append(m.execOrder, rec.ID)
			}
			m.executions[rec.ID] = rec
		}
		if rec := entry.Payment; rec != nil {
			if _, seen := m.payments[rec.PaymentHash]; !seen {
				m.payOrder = append(m.payOrder, rec.PaymentHash)
			}
			m.payments[rec.PaymentHash] = rec
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析活动日志失败")
	}
	return nil
}

func paginate[T any](items []T, opts ListOptions) []T {
	if opts.Offset >= len(items) {
		return []T{}
	}
	items = items[opts.Offset:]
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
