package signer

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"ParallelSigner-Chain/internal/chain"
	"ParallelSigner-Chain/internal/observability/alerting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type fakeChain struct {
	mu         sync.Mutex
	nonce      uint64
	receipts   map[common.Hash]*chain.Receipt
	sent       [][]byte
	nonceCalls int
}

func (f *fakeChain) TransactionCount(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if receipt, ok := f.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, nil
}

func (f *fakeChain) SendRawTransaction(_ context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeChain) Close() {}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) setReceipt(txHash string, receipt *chain.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts == nil {
		f.receipts = make(map[common.Hash]*chain.Receipt)
	}
	f.receipts[common.HexToHash(txHash)] = receipt
}

var _ chain.Client = (*fakeChain)(nil)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (f *fakeDispatcher) Notify(_ context.Context, event alerting.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeDispatcher) byCode(code string) []alerting.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []alerting.Event
	for _, event := range f.events {
		if string(event.Code) == code {
			matched = append(matched, event)
		}
	}
	return matched
}

func testPopulate(_ context.Context, _ []*Request) (*TxPlan, error) {
	return &TxPlan{
		To:       common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Data:     []byte{0x01, 0x02},
		GasLimit: 21000,
		Fees: DynamicFee{
			MaxFeePerGas:         big.NewInt(1_000_000),
			MaxPriorityFeePerGas: big.NewInt(1_000),
		},
	}, nil
}

func newTestSigner(t *testing.T, chainID int64, client chain.Client, store Store, opts ...Option) *Signer {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("解析测试私钥失败: %v", err)
	}
	s, err := New(key, client, store, testPopulate, chainID, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSendTransactionsPacksImmediately(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 3}
	store := NewMemoryStore()
	s := newTestSigner(t, 1101, client, store)

	ids, err := s.SendTransactions(ctx, []TxInput{
		{FunctionData: "0x01"},
		{FunctionData: "0x02"},
	})
	if err != nil {
		t.Fatalf("SendTransactions: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}

	latest, err := store.GetLatestPackedTransaction(ctx, 1101, nil)
	if err != nil {
		t.Fatalf("GetLatestPackedTransaction: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a packed transaction")
	}
	if latest.Nonce != 3 {
		t.Fatalf("expected nonce 3, got %d", latest.Nonce)
	}
	if len(latest.RequestIDs) != 2 || latest.RequestIDs[0] != 1 || latest.RequestIDs[1] != 2 {
		t.Fatalf("unexpected request ids: %v", latest.RequestIDs)
	}
	if latest.TransactionHash == "" {
		t.Fatal("missing transaction hash")
	}
	if client.sentCount() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", client.sentCount())
	}
}

func TestSendTransactionsRejectsEmptyPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestSigner(t, 1102, &fakeChain{}, NewMemoryStore())

	if _, err := s.SendTransactions(ctx, []TxInput{{FunctionData: ""}}); err == nil {
		t.Fatal("expected validation error")
	}
	ids, err := s.SendTransactions(ctx, nil)
	if err != nil || ids != nil {
		t.Fatalf("empty submission should be a no-op, got %v / %v", ids, err)
	}
}

func TestRepackExpandsBatchWithNewRequests(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 3}
	store := NewMemoryStore()
	s := newTestSigner(t, 1103, client, store, WithDelay(time.Hour))

	if _, err := s.SendTransactions(ctx, []TxInput{
		{FunctionData: "0x01"},
		{FunctionData: "0x02"},
	}); err != nil {
		t.Fatalf("SendTransactions: %v", err)
	}
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	if _, err := s.SendTransactions(ctx, []TxInput{{FunctionData: "0x03"}}); err != nil {
		t.Fatalf("SendTransactions: %v", err)
	}
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	latest, err := store.GetLatestPackedTransaction(ctx, 1103, nil)
	if err != nil {
		t.Fatalf("GetLatestPackedTransaction: %v", err)
	}
	if latest.Nonce != 3 {
		t.Fatalf("expected nonce 3, got %d", latest.Nonce)
	}
	if len(latest.RequestIDs) != 3 {
		t.Fatalf("expected expanded batch of 3, got %v", latest.RequestIDs)
	}
	// 同槽位重发必须加价至少 10%
	if latest.MaxFeePerGas != "1100000" {
		t.Fatalf("expected escalated max fee 1100000, got %s", latest.MaxFeePerGas)
	}

	attempts, err := store.GetPackedTransactions(ctx, 3, 1103)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts in slot, got %d", len(attempts))
	}
}

func TestRepackBumpsFeesAfterTimeout(t *testing.T) {
	ctx := context.Background()
	const chainID = int64(1104)
	chain.SetTimeout(chainID, 50*time.Millisecond)
	defer chain.SetTimeout(chainID, 0)

	client := &fakeChain{nonce: 0}
	store := NewMemoryStore()
	s := newTestSigner(t, chainID, client, store, WithDelay(time.Hour))

	if _, err := s.SendTransactions(ctx, []TxInput{{FunctionData: "0x01"}, {FunctionData: "0x02"}}); err != nil {
		t.Fatalf("SendTransactions: %v", err)
	}
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	// 未超时且没有新请求时不重发
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}
	attempts, err := store.GetPackedTransactions(ctx, 0, chainID)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected no resend before timeout, got %d attempts", len(attempts))
	}

	time.Sleep(60 * time.Millisecond)
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	attempts, err = store.GetPackedTransactions(ctx, 0, chainID)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected resend after timeout, got %d attempts", len(attempts))
	}
	if attempts[1].MaxFeePerGas != "1100000" {
		t.Fatalf("expected bumped fee 1100000, got %s", attempts[1].MaxFeePerGas)
	}
	if len(attempts[1].RequestIDs) != len(attempts[0].RequestIDs) {
		t.Fatalf("timeout resend must carry the same batch: %v vs %v",
			attempts[1].RequestIDs, attempts[0].RequestIDs)
	}
}

func TestRepackHonorsRequestCountLimit(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 0}
	store := NewMemoryStore()
	s := newTestSigner(t, 1109, client, store,
		WithDelay(time.Hour),
		WithRequestCountLimit(3),
	)

	if _, err := s.SendTransactions(ctx, []TxInput{
		{FunctionData: "0x01"},
		{FunctionData: "0x02"},
		{FunctionData: "0x03"},
		{FunctionData: "0x04"},
	}); err != nil {
		t.Fatalf("SendTransactions: %v", err)
	}
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	latest, err := store.GetLatestPackedTransaction(ctx, 1109, nil)
	if err != nil {
		t.Fatalf("GetLatestPackedTransaction: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a packed transaction")
	}
	if len(latest.RequestIDs) != 3 || latest.RequestIDs[0] != 1 || latest.RequestIDs[2] != 3 {
		t.Fatalf("expected capped batch [1 2 3], got %v", latest.RequestIDs)
	}

	// 批量已满时第 4 个请求不能触发扩充重发
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}
	attempts, err := store.GetPackedTransactions(ctx, 0, 1109)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("full batch must not expand, got %d attempts", len(attempts))
	}
}

func TestRepackResendsFullBatchAfterTimeout(t *testing.T) {
	ctx := context.Background()
	const chainID = int64(1110)
	chain.SetTimeout(chainID, 50*time.Millisecond)
	defer chain.SetTimeout(chainID, 0)

	client := &fakeChain{nonce: 0}
	store := NewMemoryStore()
	s := newTestSigner(t, chainID, client, store,
		WithDelay(time.Hour),
		WithRequestCountLimit(3),
	)

	if _, err := s.SendTransactions(ctx, []TxInput{
		{FunctionData: "0x01"},
		{FunctionData: "0x02"},
		{FunctionData: "0x03"},
		{FunctionData: "0x04"},
	}); err != nil {
		t.Fatalf("SendTransactions: %v", err)
	}
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	attempts, err := store.GetPackedTransactions(ctx, 0, chainID)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected timeout resend, got %d attempts", len(attempts))
	}
	// 超时重发沿用原批量，等待中的第 4 个请求不并入
	if len(attempts[1].RequestIDs) != 3 || attempts[1].RequestIDs[2] != 3 {
		t.Fatalf("timeout resend must keep batch [1 2 3], got %v", attempts[1].RequestIDs)
	}
}

func TestRepackAdvancesPastConfirmedAttempt(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 6}
	store := NewMemoryStore()
	s := newTestSigner(t, 1105, client, store, WithDelay(time.Hour))

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1105},
		{FunctionData: "0x02", ChainID: 1105},
		{FunctionData: "0x03", ChainID: 1105},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           5,
		TransactionHash: "0x01",
		ChainID:         1105,
		GasPrice:        "100",
		RequestIDs:      []int64{1, 2},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	client.setReceipt("0x01", &chain.Receipt{BlockNumber: 10, Status: 1, Confirmations: 1})

	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	latest, err := store.GetLatestPackedTransaction(ctx, 1105, nil)
	if err != nil {
		t.Fatalf("GetLatestPackedTransaction: %v", err)
	}
	if latest.Nonce != 6 {
		t.Fatalf("expected new attempt at nonce 6, got %d", latest.Nonce)
	}
	if len(latest.RequestIDs) != 1 || latest.RequestIDs[0] != 3 {
		t.Fatalf("expected batch [3], got %v", latest.RequestIDs)
	}
}

func TestRepackFloorResetRaisesAlert(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 6}
	store := NewMemoryStore()
	dispatcher := &fakeDispatcher{}
	s := newTestSigner(t, 1106, client, store,
		WithDelay(time.Hour),
		WithAlertDispatcher(dispatcher),
		WithFloorResetAlert(true),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1106},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	// 历史上有尝试但链上查不到任何回执
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           5,
		TransactionHash: "0x01",
		ChainID:         1106,
		GasPrice:        "100",
		RequestIDs:      []int64{1},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}

	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	if events := dispatcher.byCode(string(CodeFloorReset)); len(events) != 1 {
		t.Fatalf("expected one floor reset alert, got %d", len(events))
	}
}

func TestRepackSkipsWhenAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 0}
	s := newTestSigner(t, 1107, client, NewMemoryStore(), WithDelay(time.Hour))

	s.repacking.Store(true)
	if err := s.Repack(ctx); err != nil {
		t.Fatalf("Repack: %v", err)
	}
	if client.nonceCalls != 0 {
		t.Fatalf("excluded repack must not touch the ledger, got %d calls", client.nonceCalls)
	}
	s.repacking.Store(false)
}

func TestNewDefaultsConfirmationsFromChainTable(t *testing.T) {
	s := newTestSigner(t, 1112, &fakeChain{}, NewMemoryStore())
	if s.confirmations != 64 {
		t.Fatalf("expected default confirmation depth 64, got %d", s.confirmations)
	}

	chain.SetConfirmation(1113, 12)
	defer chain.SetConfirmation(1113, 0)
	s = newTestSigner(t, 1113, &fakeChain{}, NewMemoryStore())
	if s.confirmations != 12 {
		t.Fatalf("expected per-chain confirmation depth 12, got %d", s.confirmations)
	}

	s = newTestSigner(t, 1113, &fakeChain{}, NewMemoryStore(), WithConfirmations(5))
	if s.confirmations != 5 {
		t.Fatalf("expected explicit confirmation depth 5, got %d", s.confirmations)
	}
}

func TestStartAndCloseAreIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestSigner(t, 1108, &fakeChain{}, NewMemoryStore(),
		WithDelay(time.Hour),
		WithCheckInterval(time.Hour),
	)
	s.Start(ctx)
	s.Start(ctx)
	s.Close()
	s.Close()
}
