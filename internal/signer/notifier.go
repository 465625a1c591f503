package signer

import "context"

// FinalizedEvent 描述一次达到确认阈值的打包尝试，投递给下游对账系统。
type FinalizedEvent struct {
	ChainID         int64   `json:"chain_id"`
	Nonce           uint64  `json:"nonce"`
	TransactionHash string  `json:"transaction_hash"`
	RequestIDs      []int64 `json:"request_ids"`
	Confirmation    uint64  `json:"confirmation"`
	FinalizedAt     int64   `json:"finalized_at"` // unix 毫秒
}

// Notifier 负责把终结事件推送给下游系统。投递失败不会回滚确认状态，
// 由实现自行决定重试策略。
type Notifier interface {
	Publish(ctx context.Context, event FinalizedEvent) error
	Close() error
}
