package signer

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "ParallelSigner-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化请求与打包尝试。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 复用外部管理的连接池，主要供守护进程与测试使用。
func NewMySQLStoreWithDB(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const requestsSchema = `CREATE TABLE IF NOT EXISTS requests (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        function_data TEXT NOT NULL,
        tx_id VARCHAR(66) NOT NULL DEFAULT '',
        chain_id BIGINT NOT NULL,
        log_id BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        INDEX idx_requests_chain_id (chain_id, id)
)`
	const packedSchema = `CREATE TABLE IF NOT EXISTS packed_transactions (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        nonce BIGINT UNSIGNED NOT NULL,
        transaction_hash VARCHAR(66) NOT NULL,
        chain_id BIGINT NOT NULL,
        max_fee_per_gas VARCHAR(78) NOT NULL DEFAULT '',
        max_priority_fee_per_gas VARCHAR(78) NOT NULL DEFAULT '',
        gas_price VARCHAR(78) NOT NULL DEFAULT '',
        request_ids TEXT NOT NULL,
        confirmation BIGINT UNSIGNED NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        INDEX idx_packed_chain_nonce (chain_id, nonce),
        INDEX idx_packed_chain_id (chain_id, id)
)`

	if _, err := s.db.Exec(requestsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 requests 表失败")
	}
	if _, err := s.db.Exec(packedSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 packed_transactions 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE requests ADD COLUMN log_id BIGINT NOT NULL DEFAULT 0 AFTER chain_id`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 requests.log_id 失败")
		}
	}
	return nil
}

// SetRequests 在单个事务中插入一批请求，保证 id 连续且与入参同序。
func (s *MySQLStore) SetRequests(ctx context.Context, requests []*Request) ([]int64, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const stmt = `INSERT INTO requests (function_data, tx_id, chain_id, log_id, created_at) VALUES (?, '', ?, ?, ?)`

	ids := make([]int64, 0, len(requests))
	for _, req := range requests {
		createdAt := req.CreatedAt
		if createdAt == 0 {
			createdAt = time.Now().UnixMilli()
		}
		res, err := tx.ExecContext(ctx, stmt, req.FunctionData, req.ChainID, req.LogID, createdAt)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入请求失败")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取请求 id 失败")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交请求事务失败")
	}
	return ids, nil
}

func (s *MySQLStore) GetRequests(ctx context.Context, chainID int64, fromID int64, limit int) ([]*Request, error) {
	const stmt = `SELECT id, function_data, tx_id, chain_id, log_id, created_at
        FROM requests WHERE chain_id = ? AND id >= ? ORDER BY id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, chainID, fromID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求失败")
	}
	defer rows.Close()

	requests := make([]*Request, 0, limit)
	for rows.Next() {
		var req Request
		if err := rows.Scan(&req.ID, &req.FunctionData, &req.TxID, &req.ChainID, &req.LogID, &req.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求记录失败")
		}
		requests = append(requests, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历请求失败")
	}
	return requests, nil
}

func (s *MySQLStore) UpdateRequestBatch(ctx context.Context, ids []int64, txHash string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, txHash)
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	stmt := fmt.Sprintf(`UPDATE requests SET tx_id = ? WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回填请求交易哈希失败")
	}
	return nil
}

func (s *MySQLStore) SetPackedTransaction(ctx context.Context, ptx *PackedTransaction) (int64, error) {
	if ptx == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "打包记录不能为空")
	}

	requestIDs, err := json.Marshal(ptx.RequestIDs)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码 request_ids 失败")
	}

	createdAt := ptx.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	const stmt = `INSERT INTO packed_transactions
        (nonce, transaction_hash, chain_id, max_fee_per_gas, max_priority_fee_per_gas, gas_price, request_ids, confirmation, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		ptx.Nonce,
		ptx.TransactionHash,
		ptx.ChainID,
		ptx.MaxFeePerGas,
		ptx.MaxPriorityFeePerGas,
		ptx.GasPrice,
		string(requestIDs),
		ptx.Confirmation,
		createdAt,
	)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入打包记录失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取打包记录 id 失败")
	}
	return id, nil
}

const packedColumns = `id, nonce, transaction_hash, chain_id, max_fee_per_gas, max_priority_fee_per_gas, gas_price, request_ids, confirmation, created_at`

func (s *MySQLStore) GetLatestPackedTransaction(ctx context.Context, chainID int64, nonce *uint64) (*PackedTransaction, error) {
	query := `SELECT ` + packedColumns + ` FROM packed_transactions WHERE chain_id = ?`
	args := []any{chainID}
	if nonce != nil {
		query += ` AND nonce = ?`
		args = append(args, *nonce)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	ptx, err := scanPackedTransaction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ptx, nil
}

func (s *MySQLStore) GetPackedTransactions(ctx context.Context, nonce uint64, chainID int64) ([]*PackedTransaction, error) {
	const stmt = `SELECT ` + packedColumns + ` FROM packed_transactions
        WHERE chain_id = ? AND nonce = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, chainID, nonce)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询打包记录失败")
	}
	defer rows.Close()

	return collectPackedTransactions(rows)
}

func (s *MySQLStore) GetMaxIDPackedTransaction(ctx context.Context, chainID int64, maxID int64) (*PackedTransaction, error) {
	const stmt = `SELECT ` + packedColumns + ` FROM packed_transactions
        WHERE chain_id = ? AND id < ? ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, stmt, chainID, maxID)
	ptx, err := scanPackedTransaction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ptx, nil
}

func (s *MySQLStore) SetPackedTransactionConfirmation(ctx context.Context, id int64, confirmation uint64) error {
	// 确认深度只增不减，乱序回查不能回退已记录的深度
	const stmt = `UPDATE packed_transactions SET confirmation = GREATEST(confirmation, ?) WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, confirmation, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新确认深度失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// 同值覆盖也会返回 0 行，仅在记录不存在时报错
		var exists int
		checkErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM packed_transactions WHERE id = ?`, id).Scan(&exists)
		if stdErrors.Is(checkErr, sql.ErrNoRows) {
			return xerrors.New(xerrors.CodeNotFound, "打包记录不存在")
		}
		if checkErr != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, checkErr, "确认打包记录存在性失败")
		}
	}
	return nil
}

func (s *MySQLStore) GetUnconfirmedTransactionsWithSameNonce(ctx context.Context, chainID int64, nonce uint64) ([]*PackedTransaction, error) {
	const stmt = `SELECT ` + packedColumns + ` FROM packed_transactions p
        WHERE p.chain_id = ? AND p.nonce = ? AND p.confirmation = 0
        AND NOT EXISTS (
            SELECT 1 FROM packed_transactions c
            WHERE c.chain_id = p.chain_id AND c.nonce = p.nonce AND c.confirmation > 0
        )
        ORDER BY p.id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, chainID, nonce)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未确认打包记录失败")
	}
	defer rows.Close()

	return collectPackedTransactions(rows)
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackedTransaction(row rowScanner) (*PackedTransaction, error) {
	var ptx PackedTransaction
	var requestIDs string
	if err := row.Scan(
		&ptx.ID,
		&ptx.Nonce,
		&ptx.TransactionHash,
		&ptx.ChainID,
		&ptx.MaxFeePerGas,
		&ptx.MaxPriorityFeePerGas,
		&ptx.GasPrice,
		&requestIDs,
		&ptx.Confirmation,
		&ptx.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析打包记录失败")
	}
	if strings.TrimSpace(requestIDs) != "" {
		if err := json.Unmarshal([]byte(requestIDs), &ptx.RequestIDs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 request_ids 失败")
		}
	}
	return &ptx, nil
}

func collectPackedTransactions(rows *sql.Rows) ([]*PackedTransaction, error) {
	packed := make([]*PackedTransaction, 0)
	for rows.Next() {
		ptx, err := scanPackedTransaction(rows)
		if err != nil {
			return nil, err
		}
		packed = append(packed, ptx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历打包记录失败")
	}
	return packed, nil
}

var _ Store = (*MySQLStore)(nil)
