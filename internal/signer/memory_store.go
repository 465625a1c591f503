package signer

import (
	"context"
	"sort"
	"sync"

	xerrors "ParallelSigner-Chain/internal/errors"
)

// MemoryStore 是 Store 的内存实现，便于本地运行和测试。
type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[int64]*Request
	packed        map[int64]*PackedTransaction
	nextRequestID int64
	nextPackedID  int64
	closed        bool
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[int64]*Request),
		packed:        make(map[int64]*PackedTransaction),
		nextRequestID: 1,
		nextPackedID:  1,
	}
}

func (s *MemoryStore) SetRequests(ctx context.Context, requests []*Request) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "存储已关闭")
	}

	ids := make([]int64, 0, len(requests))
	for _, req := range requests {
		clone := cloneRequest(req)
		clone.ID = s.nextRequestID
		s.nextRequestID++
		s.requests[clone.ID] = clone
		ids = append(ids, clone.ID)
	}
	return ids, nil
}

func (s *MemoryStore) GetRequests(ctx context.Context, chainID int64, fromID int64, limit int) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Request, 0)
	for _, req := range s.requests {
		if req.ChainID == chainID && req.ID >= fromID {
			matched = append(matched, req)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*Request, 0, len(matched))
	for _, req := range matched {
		out = append(out, cloneRequest(req))
	}
	return out, nil
}

func (s *MemoryStore) UpdateRequestBatch(ctx context.Context, ids []int64, txHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if req, ok := s.requests[id]; ok {
			req.TxID = txHash
		}
	}
	return nil
}

func (s *MemoryStore) SetPackedTransaction(ctx context.Context, tx *PackedTransaction) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, xerrors.New(xerrors.CodeStorageFailure, "存储已关闭")
	}

	clone := clonePackedTransaction(tx)
	clone.ID = s.nextPackedID
	s.nextPackedID++
	s.packed[clone.ID] = clone
	return clone.ID, nil
}

func (s *MemoryStore) GetLatestPackedTransaction(ctx context.Context, chainID int64, nonce *uint64) (*PackedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *PackedTransaction
	for _, ptx := range s.packed {
		if ptx.ChainID != chainID {
			continue
		}
		if nonce != nil && ptx.Nonce != *nonce {
			continue
		}
		if latest == nil || ptx.ID > latest.ID {
			latest = ptx
		}
	}
	return clonePackedTransaction(latest), nil
}

func (s *MemoryStore) GetPackedTransactions(ctx context.Context, nonce uint64, chainID int64) ([]*PackedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*PackedTransaction, 0)
	for _, ptx := range s.packed {
		if ptx.ChainID == chainID && ptx.Nonce == nonce {
			matched = append(matched, clonePackedTransaction(ptx))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched, nil
}

func (s *MemoryStore) GetMaxIDPackedTransaction(ctx context.Context, chainID int64, maxID int64) (*PackedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *PackedTransaction
	for _, ptx := range s.packed {
		if ptx.ChainID != chainID || ptx.ID >= maxID {
			continue
		}
		if found == nil || ptx.ID > found.ID {
			found = ptx
		}
	}
	return clonePackedTransaction(found), nil
}

func (s *MemoryStore) SetPackedTransactionConfirmation(ctx context.Context, id int64, confirmation uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ptx, ok := s.packed[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "打包记录不存在")
	}
	// 确认深度只增不减，乱序回查不能回退已记录的深度
	if confirmation > ptx.Confirmation {
		ptx.Confirmation = confirmation
	}
	return nil
}

func (s *MemoryStore) GetUnconfirmedTransactionsWithSameNonce(ctx context.Context, chainID int64, nonce uint64) ([]*PackedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*PackedTransaction, 0)
	for _, ptx := range s.packed {
		if ptx.ChainID != chainID || ptx.Nonce != nonce {
			continue
		}
		if ptx.Confirmation > 0 {
			// 槽位已有确认记录，无需再核对
			return nil, nil
		}
		matched = append(matched, clonePackedTransaction(ptx))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
