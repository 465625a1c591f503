package signer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	xerrors "ParallelSigner-Chain/internal/errors"
	"ParallelSigner-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/core/types"
)

// 签名前给编码回调给出的 gas 估算留 50% 余量，避免批量边界抖动导致
// 交易因 gas 不足回滚。
const (
	gasMarginNumerator   = 3
	gasMarginDenominator = 2
)

// sendPackedTransaction 把一批请求编码、定价、签名并广播为占据指定
// nonce 槽位的一笔交易。打包记录先于广播落库，广播失败只记录日志，
// 留待下一轮超时加价重发。
func (s *Signer) sendPackedTransaction(ctx context.Context, requests []*Request, nonce uint64) error {
	if len(requests) == 0 {
		return nil
	}
	for _, req := range requests {
		if req.ID == 0 {
			return xerrors.New(CodeRequestUnassigned, fmt.Sprintf("请求缺少已分配的 id: %+v", req))
		}
	}

	plan, err := s.populate(ctx, requests)
	if err != nil {
		return xerrors.Wrap(CodePopulateFailure, err, "编码批量交易失败")
	}
	if plan == nil || plan.Fees == nil {
		return xerrors.New(CodeFeeInvalid, "编码回调未给出费用方案")
	}

	fees := plan.Fees
	previous, err := s.store.GetLatestPackedTransaction(ctx, s.chainID, &nonce)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询同槽位最新尝试失败")
	}
	var previousFees GasFees
	if previous != nil {
		previousFees, err = previous.Fees()
		if err != nil {
			return err
		}
	}
	fees, err = EscalateFees(fees, previousFees)
	if err != nil {
		return err
	}

	gasLimit := plan.GasLimit * gasMarginNumerator / gasMarginDenominator
	unsigned := buildTransaction(plan, fees, nonce, gasLimit, s.chainID)
	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(big.NewInt(s.chainID)), s.key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "签名交易失败")
	}
	txHash := signed.Hash().Hex()

	requestIDs := make([]int64, 0, len(requests))
	for _, req := range requests {
		requestIDs = append(requestIDs, req.ID)
	}
	maxFee, priority, gasPrice := feeColumns(fees)
	packed := &PackedTransaction{
		Nonce:                nonce,
		TransactionHash:      txHash,
		ChainID:              s.chainID,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
		GasPrice:             gasPrice,
		RequestIDs:           requestIDs,
		CreatedAt:            time.Now().UnixMilli(),
	}

	// 先落库后广播，回溯和确认核对都依赖这条记录存在
	packedID, err := s.store.SetPackedTransaction(ctx, packed)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化打包记录失败")
	}
	packed.ID = packedID

	logger.Audit().Info("打包尝试已签名",
		slog.Int64("chain_id", s.chainID),
		slog.Uint64("nonce", nonce),
		slog.String("tx_hash", txHash),
		slog.Int64("packed_id", packedID),
		slog.Int("request_count", len(requestIDs)),
		slog.String("max_fee_per_gas", maxFee),
		slog.String("max_priority_fee_per_gas", priority),
		slog.String("gas_price", gasPrice),
	)

	raw, err := signed.MarshalBinary()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "序列化交易失败")
	}
	if err := s.client.SendRawTransaction(ctx, raw); err != nil {
		// 节点可能已经见过同槽位交易或瞬时不可用，交给下一轮重发
		s.logger.Warn("广播交易失败",
			slog.Int64("chain_id", s.chainID),
			slog.Uint64("nonce", nonce),
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func buildTransaction(plan *TxPlan, fees GasFees, nonce, gasLimit uint64, chainID int64) *types.Transaction {
	to := plan.To
	value := plan.Value
	if value == nil {
		value = big.NewInt(0)
	}
	switch f := fees.(type) {
	case DynamicFee:
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   big.NewInt(chainID),
			Nonce:     nonce,
			GasTipCap: f.MaxPriorityFeePerGas,
			GasFeeCap: f.MaxFeePerGas,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      plan.Data,
		})
	case LegacyFee:
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: f.GasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     plan.Data,
		})
	default:
		return nil
	}
}
