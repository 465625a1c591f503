// Package batcher provides the default on-chain encoding for packed
// batches: the raw request payloads are submitted as a bytes[] argument
// to an aggregator contract's submitBatch function.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"ParallelSigner-Chain/internal/signer"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const submitBatchABI = `[{"name":"submitBatch","type":"function","stateMutability":"nonpayable","inputs":[{"name":"entries","type":"bytes[]"}],"outputs":[]}]`

// Base gas for the outer transaction plus a per-entry allowance. The
// signing layer adds its own safety margin on top.
const (
	baseGas     = uint64(50_000)
	perEntryGas = uint64(60_000)
)

// Config describes the aggregator contract the batches are sent to.
type Config struct {
	Contract string
	Fees     signer.GasFees
}

// Batcher encodes request batches into submitBatch calls.
type Batcher struct {
	contract common.Address
	fees     signer.GasFees
	parsed   abi.ABI
}

// New creates a Batcher for the given aggregator contract.
func New(cfg Config) (*Batcher, error) {
	contract := strings.TrimSpace(cfg.Contract)
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("无效的聚合合约地址: %q", cfg.Contract)
	}
	if cfg.Fees == nil {
		return nil, errors.New("缺少默认费用方案")
	}
	parsed, err := abi.JSON(strings.NewReader(submitBatchABI))
	if err != nil {
		return nil, fmt.Errorf("解析 submitBatch ABI 失败: %w", err)
	}
	return &Batcher{
		contract: common.HexToAddress(contract),
		fees:     cfg.Fees,
		parsed:   parsed,
	}, nil
}

// Populate implements signer.PopulateFunc. Each request's function_data
// is decoded from hex and packed into the bytes[] argument in order.
func (b *Batcher) Populate(_ context.Context, requests []*signer.Request) (*signer.TxPlan, error) {
	if len(requests) == 0 {
		return nil, errors.New("空批次无法编码")
	}

	entries := make([][]byte, 0, len(requests))
	for _, req := range requests {
		payload, err := decodePayload(req.FunctionData)
		if err != nil {
			return nil, fmt.Errorf("请求 %d 的 function_data 无效: %w", req.ID, err)
		}
		entries = append(entries, payload)
	}

	data, err := b.parsed.Pack("submitBatch", entries)
	if err != nil {
		return nil, fmt.Errorf("编码 submitBatch 调用失败: %w", err)
	}

	return &signer.TxPlan{
		To:       b.contract,
		Data:     data,
		Value:    big.NewInt(0),
		GasLimit: baseGas + perEntryGas*uint64(len(entries)),
		Fees:     b.fees,
	}, nil
}

func decodePayload(functionData string) ([]byte, error) {
	trimmed := strings.TrimSpace(functionData)
	if trimmed == "" {
		return nil, errors.New("载荷为空")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return hexutil.Decode("0x" + trimmed[2:])
	}
	return []byte(trimmed), nil
}

var _ signer.PopulateFunc = (*Batcher)(nil).Populate
