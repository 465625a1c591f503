package signer

import (
	"context"
	"log/slog"
	"time"

	"ParallelSigner-Chain/internal/chain"
	xerrors "ParallelSigner-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// selectRepackRequests 决定本轮打包装载哪些请求。返回空切片表示本轮
// 无需发送交易。
//
// 三种情形:
//  1. 最新尝试仍占据当前 nonce 且有新请求可并入、批量未满: 扩充重发。
//  2. 最新尝试仍占据当前 nonce 且已超时: 同批请求加价重发。
//  3. 当前 nonce 已前进: 从最近一次已落链的尝试之后继续取新请求。
func (s *Signer) selectRepackRequests(ctx context.Context, currentNonce uint64) ([]*Request, error) {
	latest, err := s.store.GetLatestPackedTransaction(ctx, s.chainID, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最新打包记录失败")
	}

	var minimalID int64
	if latest != nil {
		if latest.Nonce == currentNonce {
			fresh, err := s.store.GetRequests(ctx, s.chainID, latest.MaxRequestID()+1, s.requestCountLimit)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询新请求失败")
			}
			switch {
			case len(latest.RequestIDs) < s.requestCountLimit && len(fresh) > 0:
				s.logger.Info("发现新请求，扩充批量重发",
					slog.Int64("chain_id", s.chainID),
					slog.Uint64("nonce", currentNonce),
					slog.Int("fresh", len(fresh)),
				)
				minimalID = latest.MinRequestID() - 1
			case time.Now().UnixMilli()-latest.CreatedAt > chain.Timeout(s.chainID).Milliseconds():
				s.logger.Info("打包尝试超时，加价重发",
					slog.Int64("chain_id", s.chainID),
					slog.Uint64("nonce", currentNonce),
					slog.String("tx_hash", latest.TransactionHash),
				)
				minimalID = latest.MinRequestID() - 1
			default:
				// 槽位占用且未超时，等待链上结果
				return nil, nil
			}
		} else {
			minimalID, err = s.findConfirmedFloor(ctx, currentNonce, latest)
			if err != nil {
				return nil, err
			}
		}
	}

	requests, err := s.store.GetRequests(ctx, s.chainID, minimalID+1, s.requestCountLimit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待打包请求失败")
	}
	return requests, nil
}

// findConfirmedFloor 自最新打包记录向历史回溯，找到最近一次已经拿到
// 回执的尝试，返回其最大请求 id 作为下一批的下界。回溯范围限定在
// nonce 小于 currentNonce 的记录内，最多走到历史起点。
func (s *Signer) findConfirmedFloor(ctx context.Context, currentNonce uint64, latest *PackedTransaction) (int64, error) {
	lastCheckedID := latest.ID + 1
	var minimalID int64

	for minimalID == 0 {
		ptx, err := s.store.GetMaxIDPackedTransaction(ctx, s.chainID, lastCheckedID)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回溯打包记录失败")
		}
		if ptx == nil {
			break
		}
		if ptx.Nonce >= currentNonce {
			lastCheckedID = ptx.ID
			continue
		}

		siblings, err := s.store.GetPackedTransactions(ctx, ptx.Nonce, s.chainID)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询同槽位打包记录失败")
		}
		for _, sibling := range siblings {
			if sibling.ID < lastCheckedID {
				lastCheckedID = sibling.ID
			}
			receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(sibling.TransactionHash))
			if err != nil {
				return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询回执失败")
			}
			if receipt != nil {
				minimalID = sibling.MaxRequestID()
				break
			}
		}
	}

	if minimalID == 0 {
		// 历史里找不到任何落链尝试，下界回退到起点，可能造成重复打包
		s.logger.Warn("回溯触底，未找到已落链的打包尝试",
			slog.Int64("chain_id", s.chainID),
			slog.Uint64("current_nonce", currentNonce),
			slog.Int64("latest_packed_id", latest.ID),
		)
		if s.alertOnFloorReset {
			s.dispatchAlert(ctx, CodeFloorReset, "回溯触底，未找到已落链的打包尝试", currentNonce, latest.TransactionHash)
		}
	}
	return minimalID, nil
}
