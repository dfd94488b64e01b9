package service

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/payment"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录交易状态。
type MySQLStore struct {
	db *sql.DB
}

// MySQLStoreConfig 描述 MySQL 交易存储的连接参数。
type MySQLStoreConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(cfg MySQLStoreConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化交易表结构失败")
	}
	return store, nil
}

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	paramsValue, err := marshalJSONColumn(tx.Request.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求参数失败")
	}

	const stmt = `INSERT INTO payment_transactions
        (id, from_id, to_id, capability, params, max_price_wei, prefer_subscription, priority,
         strategy, status, payment_proof, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.Request.FromID,
		tx.Request.ToID,
		tx.Request.Capability,
		paramsValue,
		tx.Request.MaxPriceWei,
		tx.Request.PreferSubscription,
		tx.Request.Priority,
		string(tx.Strategy),
		tx.Status,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTransactionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// Get 查询指定交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	const stmt = `SELECT id, from_id, to_id, capability, params, max_price_wei, prefer_subscription, priority,
        strategy, status, payment_proof, verification, credential_check, result, last_error, error_code, created_at, updated_at
        FROM payment_transactions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	return scanTransaction(row.Scan)
}

// Claim 返回仍处于 pending 状态的交易。真正的互斥由 MarkAuthorized 的
// 条件更新保证, Claim 只负责分类跳过理由。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case StatusCompleted, StatusFailed:
		return tx, ErrTransactionTerminal
	case StatusAuthorized:
		return tx, ErrTransactionConflict
	}
	return tx, nil
}

// MarkAuthorized 将 pending 交易推进到 authorized。条件更新保证并发处理
// 同一交易时只有一个调用方能越过授权门。
func (s *MySQLStore) MarkAuthorized(ctx context.Context, id string, strategy payment.Strategy, check *CredentialCheck) error {
	checkValue, err := marshalJSONColumn(check)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码凭证核验记录失败")
	}

	const stmt = `UPDATE payment_transactions SET status = ?, strategy = ?, credential_check = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusAuthorized,
		string(strategy),
		checkValue,
		time.Now().Unix(),
		id,
		StatusPending,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "授权交易失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return s.classifyTransitionFailure(ctx, id)
	}
	return nil
}

// MarkCompleted 将 authorized 交易推进到 completed。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, record *VerificationRecord, result *fulfill.Result) error {
	recordValue, err := marshalJSONColumn(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审计记录失败")
	}
	resultValue, err := marshalJSONColumn(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码履约结果失败")
	}
	proof := ""
	if record != nil {
		proof = record.ProofHash
	}

	const stmt = `UPDATE payment_transactions SET status = ?, payment_proof = ?, verification = ?, result = ?,
        last_error = '', error_code = '', updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusCompleted,
		proof,
		recordValue,
		resultValue,
		time.Now().Unix(),
		id,
		StatusAuthorized,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "完成交易失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return s.classifyTransitionFailure(ctx, id)
	}
	return nil
}

// MarkFailed 将非终态交易推进到 failed。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, check *CredentialCheck) error {
	checkValue, err := marshalJSONColumn(check)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码凭证核验记录失败")
	}

	stmt := `UPDATE payment_transactions SET status = ?, last_error = ?, error_code = ?, updated_at = ?`
	args := []any{StatusFailed, lastError, string(code), time.Now().Unix()}
	if checkValue.Valid {
		stmt += `, credential_check = ?`
		args = append(args, checkValue)
	}
	stmt += ` WHERE id = ? AND status IN (?, ?)`
	args = append(args, id, StatusPending, StatusAuthorized)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易失败状态出错")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return s.classifyTransitionFailure(ctx, id)
	}
	return nil
}

func (s *MySQLStore) classifyTransitionFailure(ctx context.Context, id string) error {
	tx, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() {
		return ErrTransactionTerminal
	}
	return ErrTransactionConflict
}

// List 返回最近的交易。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := `SELECT id, from_id, to_id, capability, params, max_price_wei, prefer_subscription, priority,
        strategy, status, payment_proof, verification, credential_check, result, last_error, error_code, created_at, updated_at
        FROM payment_transactions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0, opts.Limit)
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return transactions, nil
}

// Stats 返回符合过滤条件的交易聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TransactionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS authorized,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM payment_transactions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusAuthorized), string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TransactionStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Authorized,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TransactionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTransaction(scan func(dest ...any) error) (*Transaction, error) {
	var tx Transaction
	var params, verification, check, result sql.NullString
	var strategy string

	if err := scan(
		&tx.ID,
		&tx.Request.FromID,
		&tx.Request.ToID,
		&tx.Request.Capability,
		&params,
		&tx.Request.MaxPriceWei,
		&tx.Request.PreferSubscription,
		&tx.Request.Priority,
		&strategy,
		&tx.Status,
		&tx.PaymentProof,
		&verification,
		&check,
		&result,
		&tx.LastError,
		&tx.ErrorCode,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
	}

	tx.Request.ID = tx.ID
	tx.Request.CreatedAt = tx.CreatedAt
	tx.Strategy = payment.Strategy(strategy)

	if err := unmarshalJSONColumn(params, &tx.Request.Params); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求参数失败")
	}
	if verification.Valid && verification.String != "" {
		tx.Verification = &VerificationRecord{}
		if err := unmarshalJSONColumn(verification, tx.Verification); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
	}
	if check.Valid && check.String != "" {
		tx.CredentialCheck = &CredentialCheck{}
		if err := unmarshalJSONColumn(check, tx.CredentialCheck); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析凭证核验记录失败")
		}
	}
	if result.Valid && result.String != "" {
		tx.Result = &fulfill.Result{}
		if err := unmarshalJSONColumn(result, tx.Result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析履约结果失败")
		}
	}
	return &tx, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case *CredentialCheck:
		if v == nil {
			return sql.NullString{}, nil
		}
	case *VerificationRecord:
		if v == nil {
			return sql.NullString{}, nil
		}
	case *fulfill.Result:
		if v == nil {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.FromID != "" {
		conditions = append(conditions, "from_id = ?")
		args = append(args, opts.FromID)
	}
	if opts.ToID != "" {
		conditions = append(conditions, "to_id = ?")
		args = append(args, opts.ToID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasProof != nil {
		if *opts.HasProof {
			conditions = append(conditions, "payment_proof <> ''")
		} else {
			conditions = append(conditions, "(payment_proof IS NULL OR payment_proof = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR from_id LIKE ? OR to_id LIKE ? OR capability LIKE ? OR payment_proof LIKE ? OR last_error LIKE ? OR error_code LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
