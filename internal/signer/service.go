package signer

import (
	"context"
	"log/slog"

	xerrors "ParallelSigner-Chain/internal/errors"
	"ParallelSigner-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Service 维护多条链上的 Signer 并对外提供提交与查询入口。
type Service struct {
	signers map[int64]*Signer
	stores  map[int64]Store
	logger  *slog.Logger
}

// NewService 创建一个服务实例。每条链最多注册一个 Signer。
func NewService(signers ...*Signer) (*Service, error) {
	set := make(map[int64]*Signer, len(signers))
	stores := make(map[int64]Store, len(signers))
	for _, s := range signers {
		if s == nil {
			continue
		}
		if _, ok := set[s.ChainID()]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "同一条链注册了多个 Signer")
		}
		set[s.ChainID()] = s
		stores[s.ChainID()] = s.store
	}
	if len(set) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个 Signer")
	}
	return &Service{signers: set, stores: stores, logger: logger.Named("signer_service")}, nil
}

// Start 启动所有 Signer 的后台任务。
func (s *Service) Start(ctx context.Context) {
	for _, signer := range s.signers {
		signer.Start(ctx)
	}
}

// Close 停止所有 Signer。
func (s *Service) Close() {
	for _, signer := range s.signers {
		signer.Close()
	}
}

// ChainIDs 返回已注册的链。
func (s *Service) ChainIDs() []int64 {
	ids := make([]int64, 0, len(s.signers))
	for id := range s.signers {
		ids = append(ids, id)
	}
	return ids
}

// Submit 把一批请求交给指定链的 Signer，返回分配的请求 id 与本次
// 提交的追踪号。
func (s *Service) Submit(ctx context.Context, chainID int64, inputs []TxInput) ([]int64, string, error) {
	signer, ok := s.signers[chainID]
	if !ok {
		return nil, "", xerrors.New(xerrors.CodeNotFound, "未注册该链的 Signer")
	}

	submissionID := uuid.NewString()
	ids, err := signer.SendTransactions(ctx, inputs)
	if err != nil {
		return nil, submissionID, err
	}

	logger.Audit().Info("提交已受理",
		slog.String("submission_id", submissionID),
		slog.Int64("chain_id", chainID),
		slog.Int("count", len(ids)),
	)
	return ids, submissionID, nil
}

// Requests 查询指定链上 id 不小于 fromID 的请求。
func (s *Service) Requests(ctx context.Context, chainID int64, fromID int64, limit int) ([]*Request, error) {
	store, ok := s.stores[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未注册该链的 Signer")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return store.GetRequests(ctx, chainID, fromID, limit)
}
