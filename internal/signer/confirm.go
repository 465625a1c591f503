package signer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "ParallelSigner-Chain/internal/errors"
	"ParallelSigner-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// CheckPackedTransactions 核对历史打包尝试的链上状态: 自最新已消耗的
// nonce 向历史回溯。查不到回执的槽位跳过并继续向更早的槽位回溯；查到
// 回执的槽位处理完即停，达到确认阈值的回填请求、更新确认记录并发布
// 终结事件。最后对刚被链上消耗的 nonce 做一次未确认兄弟记录复查，
// 覆盖同槽位多次重发中较早一笔落链的情况。
func (s *Signer) CheckPackedTransactions(ctx context.Context) error {
	currentNonce, err := s.client.TransactionCount(ctx, s.address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询账户 nonce 失败")
	}
	if currentNonce == 0 {
		return nil
	}

	settledNonce := currentNonce - 1
	latest, err := s.store.GetLatestPackedTransaction(ctx, s.chainID, &settledNonce)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已消耗槽位的最新尝试失败")
	}
	haveSettled := latest != nil
	if latest == nil {
		latest, err = s.store.GetLatestPackedTransaction(ctx, s.chainID, nil)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最新打包记录失败")
		}
		if latest == nil {
			return nil
		}
	}

	lastCheckedID := latest.ID + 1
	for lastCheckedID > 0 {
		next, err := s.store.GetMaxIDPackedTransaction(ctx, s.chainID, lastCheckedID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回溯打包记录失败")
		}
		if next == nil {
			break
		}
		if next.Nonce >= currentNonce {
			lastCheckedID = next.ID
			continue
		}

		cursor, err := s.reconcileNonce(ctx, next.Nonce)
		if err != nil {
			return err
		}
		if cursor == 0 {
			break
		}
		lastCheckedID = cursor
	}

	// 只有刚被链上消耗的 nonce 存在记录时复查才有意义
	if !haveSettled {
		return nil
	}
	return s.recheckSettledNonce(ctx, settledNonce)
}

// reconcileNonce 核对单个 nonce 槽位。返回继续回溯用的游标 id，
// 返回 0 表示该槽位查到了回执，回溯到此为止。
func (s *Signer) reconcileNonce(ctx context.Context, nonce uint64) (int64, error) {
	siblings, err := s.store.GetPackedTransactions(ctx, nonce, s.chainID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询同槽位打包记录失败")
	}
	if len(siblings) == 0 {
		return 0, nil
	}

	// siblings 按 id 升序，游标落在槽位里最早的一次尝试上
	cursor := siblings[0].ID

	for _, sibling := range siblings {
		// 槽位里已有终结记录，更早的槽位必然也处理过了
		if sibling.Confirmation >= s.confirmations {
			return 0, nil
		}
	}

	// 只探测槽位里最早的一次尝试。查到回执即停止回溯: 达到阈值的已
	// 终结，深度不足的等深度累积后下轮再终结。查不到回执时继续向更
	// 早的槽位回溯，本槽位留给复查兜底
	landed, _, err := s.settleAttempt(ctx, siblings[0])
	if err != nil {
		return 0, err
	}
	if landed {
		return 0, nil
	}
	return cursor, nil
}

// settleAttempt 查询单次尝试的回执。达到确认阈值时回填请求、记录确认
// 深度并发布终结事件；回执存在但深度不足时仅记录当前深度。返回值
// 依次为是否查到回执、是否已终结。
func (s *Signer) settleAttempt(ctx context.Context, ptx *PackedTransaction) (landed, finalized bool, err error) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(ptx.TransactionHash))
	if err != nil {
		return false, false, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询回执失败")
	}
	if receipt == nil {
		return false, false, nil
	}
	if s.onReceipt != nil {
		s.onReceipt(receipt)
	}

	if receipt.Confirmations < s.confirmations {
		if receipt.Confirmations > ptx.Confirmation {
			if err := s.store.SetPackedTransactionConfirmation(ctx, ptx.ID, receipt.Confirmations); err != nil {
				return true, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录确认深度失败")
			}
		}
		return true, false, nil
	}

	if err := s.store.UpdateRequestBatch(ctx, ptx.RequestIDs, ptx.TransactionHash); err != nil {
		return true, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回填请求交易哈希失败")
	}
	if err := s.store.SetPackedTransactionConfirmation(ctx, ptx.ID, receipt.Confirmations); err != nil {
		return true, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录确认深度失败")
	}

	logger.Audit().Info("打包尝试已终结",
		slog.Int64("chain_id", s.chainID),
		slog.Uint64("nonce", ptx.Nonce),
		slog.String("tx_hash", ptx.TransactionHash),
		slog.Int64("packed_id", ptx.ID),
		slog.Int("request_count", len(ptx.RequestIDs)),
		slog.Uint64("confirmations", receipt.Confirmations),
	)

	if s.notifier != nil {
		event := FinalizedEvent{
			ChainID:         ptx.ChainID,
			Nonce:           ptx.Nonce,
			TransactionHash: ptx.TransactionHash,
			RequestIDs:      append([]int64(nil), ptx.RequestIDs...),
			Confirmation:    receipt.Confirmations,
			FinalizedAt:     time.Now().UnixMilli(),
		}
		if err := s.notifier.Publish(ctx, event); err != nil {
			// 终结状态已落库，事件投递失败只告警不回滚
			s.logger.Error("发布终结事件失败",
				slog.Int64("chain_id", s.chainID),
				slog.String("tx_hash", ptx.TransactionHash),
				slog.String("error", err.Error()),
			)
			s.dispatchAlert(ctx, xerrors.CodeNotifyFailure, err.Error(), ptx.Nonce, ptx.TransactionHash)
		}
	}
	return true, true, nil
}

// recheckSettledNonce 对回溯停留的槽位复查未确认的兄弟记录。链上该
// nonce 已被消耗，若其中任何一笔都查不到回执，说明消耗它的交易不在
// 本系统的记录里，属于需要人工介入的异常。
func (s *Signer) recheckSettledNonce(ctx context.Context, nonce uint64) error {
	siblings, err := s.store.GetUnconfirmedTransactionsWithSameNonce(ctx, s.chainID, nonce)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未确认兄弟记录失败")
	}
	if len(siblings) == 0 {
		return nil
	}

	found := false
	for _, sibling := range siblings {
		landed, _, err := s.settleAttempt(ctx, sibling)
		if err != nil {
			return err
		}
		if landed {
			found = true
			s.logger.Info("复查发现落链的早期尝试",
				slog.Int64("chain_id", s.chainID),
				slog.Uint64("nonce", nonce),
				slog.String("tx_hash", sibling.TransactionHash),
			)
		}
	}

	if !found {
		message := fmt.Sprintf("nonce %d 已被链上消耗，但记录中任何尝试都没有回执", nonce)
		s.logger.Error("发现无法解释的 nonce 消耗",
			slog.Int64("chain_id", s.chainID),
			slog.Uint64("nonce", nonce),
		)
		s.dispatchAlert(ctx, CodeNonceUnexplained, message, nonce, "")
	}
	return nil
}
