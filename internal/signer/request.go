package signer

import (
	xerrors "ParallelSigner-Chain/internal/errors"
)

// Request 描述一条等待打包上链的逻辑请求，对应 requests 表。
type Request struct {
	ID           int64  `json:"id"`
	FunctionData string `json:"function_data"`
	// TxID 在所属打包尝试达到确认阈值后回填，为最终落链交易的哈希。
	TxID      string `json:"tx_id,omitempty"`
	ChainID   int64  `json:"chain_id"`
	LogID     int64  `json:"log_id,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix 毫秒
}

// PackedTransaction 描述一次具体的打包尝试，对应 packed_transactions 表。
// 同一 nonce 槽位允许存在多条记录（加价重发或请求集扩充），但链上最多只有
// 一条会被打包进区块。
type PackedTransaction struct {
	ID                   int64   `json:"id"`
	Nonce                uint64  `json:"nonce"`
	TransactionHash      string  `json:"transaction_hash"`
	ChainID              int64   `json:"chain_id"`
	MaxFeePerGas         string  `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string  `json:"max_priority_fee_per_gas"`
	GasPrice             string  `json:"gas_price"`
	RequestIDs           []int64 `json:"request_ids"`
	Confirmation         uint64  `json:"confirmation"`
	CreatedAt            int64   `json:"created_at"` // unix 毫秒
}

// MinRequestID 返回该尝试携带的最小请求 id，空集合返回 0。
func (p *PackedTransaction) MinRequestID() int64 {
	if p == nil || len(p.RequestIDs) == 0 {
		return 0
	}
	minID := p.RequestIDs[0]
	for _, id := range p.RequestIDs[1:] {
		if id < minID {
			minID = id
		}
	}
	return minID
}

// MaxRequestID 返回该尝试携带的最大请求 id，空集合返回 0。
func (p *PackedTransaction) MaxRequestID() int64 {
	if p == nil || len(p.RequestIDs) == 0 {
		return 0
	}
	maxID := p.RequestIDs[0]
	for _, id := range p.RequestIDs[1:] {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

const (
	CodeRequestUnassigned xerrors.Code = "SIGNER_REQUEST_UNASSIGNED"
	CodeFeeInvalid        xerrors.Code = "SIGNER_FEE_INVALID"
	CodePopulateFailure   xerrors.Code = "SIGNER_POPULATE_FAILED"
	CodeFloorReset        xerrors.Code = "SIGNER_FLOOR_RESET"
	CodeNonceUnexplained  xerrors.Code = "SIGNER_NONCE_UNEXPLAINED"
)

func init() {
	xerrors.Register(CodeRequestUnassigned, xerrors.Attributes{
		Message:   "request id has not been assigned",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeFeeInvalid, xerrors.Attributes{
		Message:   "invalid or mixed fee scheme",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePopulateFailure, xerrors.Attributes{
		Message:   "batch populate callback failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeFloorReset, xerrors.Attributes{
		Message:   "repack floor reached without any confirmed attempt",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeNonceUnexplained, xerrors.Attributes{
		Message:   "nonce passed on ledger without an observed receipt",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

func cloneRequest(r *Request) *Request {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

func clonePackedTransaction(p *PackedTransaction) *PackedTransaction {
	if p == nil {
		return nil
	}
	clone := *p
	clone.RequestIDs = append([]int64(nil), p.RequestIDs...)
	return &clone
}
