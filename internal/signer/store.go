package signer

import "context"

// Store 抽象请求与打包尝试的持久化能力。实现必须保证请求 id 单调递增，
// 打包记录 id 单调递增，且写入在方法返回前对后续读取可见。
type Store interface {
	// SetRequests 批量持久化请求并返回分配的 id，顺序与入参一致。
	SetRequests(ctx context.Context, requests []*Request) ([]int64, error)
	// GetRequests 按 id 升序返回指定链上 id >= fromID 的请求，最多 limit 条。
	GetRequests(ctx context.Context, chainID int64, fromID int64, limit int) ([]*Request, error)
	// UpdateRequestBatch 把最终落链的交易哈希回填到一批请求上。
	UpdateRequestBatch(ctx context.Context, ids []int64, txHash string) error

	// SetPackedTransaction 持久化一次打包尝试并返回分配的 id。
	SetPackedTransaction(ctx context.Context, tx *PackedTransaction) (int64, error)
	// GetLatestPackedTransaction 返回指定链上 id 最大的打包记录。nonce 非
	// nil 时限定在该 nonce 槽位内。没有记录时返回 (nil, nil)。
	GetLatestPackedTransaction(ctx context.Context, chainID int64, nonce *uint64) (*PackedTransaction, error)
	// GetPackedTransactions 返回指定 nonce 槽位的全部打包记录，按 id 升序。
	GetPackedTransactions(ctx context.Context, nonce uint64, chainID int64) ([]*PackedTransaction, error)
	// GetMaxIDPackedTransaction 返回 id 小于 maxID 的打包记录中 id 最大的
	// 一条，用于自最新记录向历史回溯。没有记录时返回 (nil, nil)。
	GetMaxIDPackedTransaction(ctx context.Context, chainID int64, maxID int64) (*PackedTransaction, error)
	// SetPackedTransactionConfirmation 更新打包记录的确认深度。
	SetPackedTransactionConfirmation(ctx context.Context, id int64, confirmation uint64) error
	// GetUnconfirmedTransactionsWithSameNonce 返回指定 nonce 槽位内尚无确认
	// 记录的打包尝试。若该槽位已有任一条确认记录则返回空。
	GetUnconfirmedTransactionsWithSameNonce(ctx context.Context, chainID int64, nonce uint64) ([]*PackedTransaction, error)

	Close() error
}
