package activity

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

const mysqlDuplicateEntry = 1062

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 使用 MySQL 保存执行与付款记录。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 建立连接池并执行迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db, nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newMySQLStoreWithDB(db), nil
}

func newMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

const executionColumns = `id, request_id, agent_id, payment_hash, payer, input, output, success, verified, completed, created_at, updated_at`

const paymentColumns = `payment_hash, agent_id, payer, amount, network, status, execution_id, tx_ref,
        platform_fee, beneficiary_share, last_error, resolution_note, resolved_at, created_at, updated_at`

// CreateExecution 插入执行记录，主键或付款哈希冲突时视为已存在。
func (s *MySQLStore) CreateExecution(ctx context.Context, record ExecutionRecord) error {
	if record.ID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution id 不能为空")
	}
	now := s.now().Unix()
	const stmt = `INSERT INTO executions (` + executionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.RequestID,
		record.AgentID,
		NormalizeHash(record.PaymentHash),
		strings.ToLower(record.Payer),
		record.Input,
		record.Verified,
		now,
		now,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

// CompleteExecution 写入执行结果，只允许一次。
func (s *MySQLStore) CompleteExecution(ctx context.Context, id uint64, output string, success bool) error {
	const stmt = `UPDATE executions SET output = ?, success = ?, completed = 1, updated_at = ?
        WHERE id = ? AND completed = 0`

	res, err := s.db.ExecContext(ctx, stmt, output, success, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}

	var completed bool
	err = s.db.QueryRowContext(ctx, `SELECT completed FROM executions WHERE id = ?`, id).Scan(&completed)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("execution %d 已完成", id))
}

// GetExecution 查询执行记录。
func (s *MySQLStore) GetExecution(ctx context.Context, id uint64) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return rec, nil
}

// ListExecutions 按创建时间倒序分页查询。
func (s *MySQLStore) ListExecutions(ctx context.Context, opts ...ListOption) ([]ExecutionRecord, error) {
	options := buildListOptions(opts)

	var where []string
	var args []any
	if options.AgentID != 0 {
		where = append(where, "agent_id = ?")
		args = append(args, options.AgentID)
	}
	if options.Success != nil {
		where = append(where, "completed = 1 AND success = ?")
		args = append(args, *options.Success)
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + whereClause(where) +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	records := []ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return records, nil
}

// CreatePayment 插入 pending 状态的付款记录，已存在时不修改。
func (s *MySQLStore) CreatePayment(ctx context.Context, record PaymentRecord) error {
	hash := NormalizeHash(record.PaymentHash)
	if hash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment hash 不能为空")
	}
	now := s.now().Unix()
	const stmt = `INSERT INTO payments
        (payment_hash, agent_id, payer, amount, network, status, execution_id, tx_ref, platform_fee, beneficiary_share,
        last_error, resolution_note, resolved_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, 0, '', '', 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		hash,
		record.AgentID,
		strings.ToLower(record.Payer),
		decimalOrZero(record.Amount),
		record.Network,
		payment.StatusPending,
		record.ExecutionID,
		now,
		now,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入付款记录失败")
	}
	return nil
}

// UpdatePaymentStatus 在事务中锁定记录并校验状态迁移。
func (s *MySQLStore) UpdatePaymentStatus(ctx context.Context, hash string, to payment.Status, update PaymentUpdate) error {
	hash = NormalizeHash(hash)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	var current payment.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM payments WHERE payment_hash = ? FOR UPDATE`, hash).Scan(&current)
	if err != nil {
		_ = tx.Rollback()
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询付款记录失败")
	}
	if err := checkTransition(current, to); err != nil {
		_ = tx.Rollback()
		return err
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, s.now().Unix()}
	if update.ExecutionID != 0 {
		sets = append(sets, "execution_id = ?")
		args = append(args, update.ExecutionID)
	}
	if update.TxRef != "" {
		sets = append(sets, "tx_ref = ?")
		args = append(args, update.TxRef)
	}
	if update.PlatformFee != "" {
		sets = append(sets, "platform_fee = ?")
		args = append(args, update.PlatformFee)
	}
	if update.BeneficiaryShare != "" {
		sets = append(sets, "beneficiary_share = ?")
		args = append(args, update.BeneficiaryShare)
	}
	if update.LastError != "" {
		sets = append(sets, "last_error = ?")
		args = append(args, update.LastError)
	}
	args = append(args, hash)

	if _, err := tx.ExecContext(ctx, `UPDATE payments SET `+strings.Join(sets, ", ")+` WHERE payment_hash = ?`, args...); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新付款状态失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// ResolvePayment 写入人工处理备注并返回最新记录。
func (s *MySQLStore) ResolvePayment(ctx context.Context, hash, note string) (*PaymentRecord, error) {
	hash = NormalizeHash(hash)
	now := s.now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE payments SET resolution_note = ?, resolved_at = ?, updated_at = ? WHERE payment_hash = ?`,
		strings.TrimSpace(note), now, now, hash,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新付款备注失败")
	}
	return s.GetPayment(ctx, hash)
}

// GetPayment 查询付款记录。
func (s *MySQLStore) GetPayment(ctx context.Context, hash string) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_hash = ?`, NormalizeHash(hash))
	rec, err := scanPayment(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询付款记录失败")
	}
	return rec, nil
}

// ListPayments 按创建时间倒序分页查询。
func (s *MySQLStore) ListPayments(ctx context.Context, opts ...ListOption) ([]PaymentRecord, error) {
	options := buildListOptions(opts)

	var where []string
	var args []any
	if options.AgentID != 0 {
		where = append(where, "agent_id = ?")
		args = append(args, options.AgentID)
	}
	if len(options.Statuses) > 0 {
		placeholders := make([]string, len(options.Statuses))
		for i, status := range options.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if options.Unresolved {
		where = append(where, "resolved_at = 0")
	}

	query := `SELECT ` + paymentColumns + ` FROM payments` + whereClause(where) +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询付款记录失败")
	}
	defer rows.Close()

	records := []PaymentRecord{}
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析付款记录失败")
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历付款记录失败")
	}
	return records, nil
}

// Stats 使用聚合查询统计每个智能体的执行与收入。
func (s *MySQLStore) Stats(ctx context.Context) ([]AgentStats, error) {
	b := newStatsBuilder()

	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, COUNT(*), COALESCE(SUM(CASE WHEN completed = 1 AND success = 1 THEN 1 ELSE 0 END), 0)
        FROM executions GROUP BY agent_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计执行记录失败")
	}
	for rows.Next() {
		var agentID uint64
		var total, successful int
		if err := rows.Scan(&agentID, &total, &successful); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行统计失败")
		}
		b.addExecutions(agentID, total, successful)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行统计失败")
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT agent_id, status, COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(platform_fee), 0),
        COALESCE(SUM(beneficiary_share), 0) FROM payments GROUP BY agent_id, status`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计付款记录失败")
	}
	defer rows.Close()
	for rows.Next() {
		var agentID uint64
		var status payment.Status
		var count int
		var amount, fee, share string
		if err := rows.Scan(&agentID, &status, &count, &amount, &fee, &share); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析付款统计失败")
		}
		b.addPayments(agentID, status, count, amount, fee, share)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历付款统计失败")
	}
	return b.result(), nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := row.Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.AgentID,
		&rec.PaymentHash,
		&rec.Payer,
		&rec.Input,
		&rec.Output,
		&rec.Success,
		&rec.Verified,
		&rec.Completed,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanPayment(row scanner) (*PaymentRecord, error) {
	var rec PaymentRecord
	var lastError, note sql.NullString
	if err := row.Scan(
		&rec.PaymentHash,
		&rec.AgentID,
		&rec.Payer,
		&rec.Amount,
		&rec.Network,
		&rec.Status,
		&rec.ExecutionID,
		&rec.TxRef,
		&rec.PlatformFee,
		&rec.BeneficiaryShare,
		&lastError,
		&note,
		&rec.ResolvedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.LastError = lastError.String
	rec.ResolutionNote = note.String
	return &rec, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func decimalOrZero(value string) string {
	if strings.TrimSpace(value) == "" {
		return "0"
	}
	return value
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

var _ Store = (*MySQLStore)(nil)
