package signer

import (
	"context"
	"testing"
	"time"

	"ParallelSigner-Chain/internal/chain"
)

func TestCheckFinalizesDeepAttempt(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 4}
	store := NewMemoryStore()
	notifier := NewMemoryNotifier(8)
	s := newTestSigner(t, 1201, client, store,
		WithDelay(time.Hour),
		WithConfirmations(64),
		WithNotifier(notifier),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1201},
		{FunctionData: "0x02", ChainID: 1201},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	packedID, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x01",
		ChainID:         1201,
		GasPrice:        "100",
		RequestIDs:      []int64{1, 2},
	})
	if err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	client.setReceipt("0x01", &chain.Receipt{BlockNumber: 10, Status: 1, Confirmations: 70})

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}

	requests, err := store.GetRequests(ctx, 1201, 0, 10)
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	for _, req := range requests {
		if req.TxID != "0x01" {
			t.Fatalf("request %d missing final tx hash", req.ID)
		}
	}

	attempts, err := store.GetPackedTransactions(ctx, 3, 1201)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if attempts[0].Confirmation != 70 {
		t.Fatalf("expected confirmation 70, got %d", attempts[0].Confirmation)
	}

	select {
	case event := <-notifier.Events():
		if event.Nonce != 3 || event.TransactionHash != "0x01" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if len(event.RequestIDs) != 2 {
			t.Fatalf("unexpected event request ids: %v", event.RequestIDs)
		}
		_ = packedID
	default:
		t.Fatal("expected a finalized event")
	}
}

func TestCheckRecordsShallowReceiptWithoutFinalizing(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 4}
	store := NewMemoryStore()
	s := newTestSigner(t, 1202, client, store,
		WithDelay(time.Hour),
		WithConfirmations(64),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1202},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x01",
		ChainID:         1202,
		GasPrice:        "100",
		RequestIDs:      []int64{1},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	client.setReceipt("0x01", &chain.Receipt{BlockNumber: 10, Status: 1, Confirmations: 10})

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}

	requests, err := store.GetRequests(ctx, 1202, 0, 10)
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	if requests[0].TxID != "" {
		t.Fatalf("shallow receipt must not finalize, got tx id %q", requests[0].TxID)
	}

	attempts, err := store.GetPackedTransactions(ctx, 3, 1202)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if attempts[0].Confirmation != 10 {
		t.Fatalf("expected recorded depth 10, got %d", attempts[0].Confirmation)
	}
}

func TestCheckFindsSupersededAttemptThatLanded(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 4}
	store := NewMemoryStore()
	s := newTestSigner(t, 1203, client, store,
		WithDelay(time.Hour),
		WithConfirmations(64),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1203},
		{FunctionData: "0x02", ChainID: 1203},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	// 同一槽位两次尝试，落链的是后一笔（前一笔无回执）
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x0a",
		ChainID:         1203,
		GasPrice:        "100",
		RequestIDs:      []int64{1, 2},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x0b",
		ChainID:         1203,
		GasPrice:        "110",
		RequestIDs:      []int64{1, 2},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	client.setReceipt("0x0b", &chain.Receipt{BlockNumber: 10, Status: 1, Confirmations: 100})

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}

	requests, err := store.GetRequests(ctx, 1203, 0, 10)
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	for _, req := range requests {
		if req.TxID != "0x0b" {
			t.Fatalf("request %d should carry the landed hash, got %q", req.ID, req.TxID)
		}
	}
}

func TestCheckRaisesAlertForUnexplainedNonce(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 4}
	store := NewMemoryStore()
	dispatcher := &fakeDispatcher{}
	s := newTestSigner(t, 1204, client, store,
		WithDelay(time.Hour),
		WithConfirmations(64),
		WithAlertDispatcher(dispatcher),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1204},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	// 槽位已被链上消耗但没有任何尝试拿到回执
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x01",
		ChainID:         1204,
		GasPrice:        "100",
		RequestIDs:      []int64{1},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}

	if events := dispatcher.byCode(string(CodeNonceUnexplained)); len(events) != 1 {
		t.Fatalf("expected one unexplained nonce alert, got %d", len(events))
	}
}

func TestCheckWalksPastUnlandedNonce(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 4}
	store := NewMemoryStore()
	dispatcher := &fakeDispatcher{}
	s := newTestSigner(t, 1207, client, store,
		WithDelay(time.Hour),
		WithConfirmations(64),
		WithAlertDispatcher(dispatcher),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1207},
		{FunctionData: "0x02", ChainID: 1207},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	// 较新的槽位没有回执，更早的槽位已经落链拿到足够深度
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           2,
		TransactionHash: "0x02",
		ChainID:         1207,
		GasPrice:        "100",
		RequestIDs:      []int64{1},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x03",
		ChainID:         1207,
		GasPrice:        "100",
		RequestIDs:      []int64{2},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	client.setReceipt("0x02", &chain.Receipt{BlockNumber: 10, Status: 1, Confirmations: 100})

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}

	requests, err := store.GetRequests(ctx, 1207, 0, 10)
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	if requests[0].TxID != "0x02" {
		t.Fatalf("deep attempt behind an unlanded nonce must finalize, got tx id %q", requests[0].TxID)
	}
	if requests[1].TxID != "" {
		t.Fatalf("unlanded nonce must stay pending, got tx id %q", requests[1].TxID)
	}

	attempts, err := store.GetPackedTransactions(ctx, 2, 1207)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if attempts[0].Confirmation != 100 {
		t.Fatalf("expected recorded depth 100, got %d", attempts[0].Confirmation)
	}

	// 被消耗的 nonce 3 没有任何尝试拿到回执，复查要发出告警
	if events := dispatcher.byCode(string(CodeNonceUnexplained)); len(events) != 1 {
		t.Fatalf("expected one unexplained nonce alert, got %d", len(events))
	}
}

func TestCheckStopsAfterFinalizedSlot(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 4}
	store := NewMemoryStore()
	s := newTestSigner(t, 1208, client, store,
		WithDelay(time.Hour),
		WithConfirmations(64),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1208},
		{FunctionData: "0x02", ChainID: 1208},
		{FunctionData: "0x03", ChainID: 1208},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           1,
		TransactionHash: "0x01",
		ChainID:         1208,
		GasPrice:        "100",
		RequestIDs:      []int64{1},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           2,
		TransactionHash: "0x02",
		ChainID:         1208,
		GasPrice:        "100",
		RequestIDs:      []int64{2},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x03",
		ChainID:         1208,
		GasPrice:        "100",
		RequestIDs:      []int64{3},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	client.setReceipt("0x01", &chain.Receipt{BlockNumber: 5, Status: 1, Confirmations: 90})
	client.setReceipt("0x02", &chain.Receipt{BlockNumber: 8, Status: 1, Confirmations: 100})

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}

	requests, err := store.GetRequests(ctx, 1208, 0, 10)
	if err != nil {
		t.Fatalf("GetRequests: %v", err)
	}
	if requests[1].TxID != "0x02" {
		t.Fatalf("expected nonce 2 to finalize, got tx id %q", requests[1].TxID)
	}

	// nonce 2 查到回执后回溯停止，nonce 1 留给后续轮次
	if requests[0].TxID != "" {
		t.Fatalf("walk must stop at the landed slot, got tx id %q", requests[0].TxID)
	}
	attempts, err := store.GetPackedTransactions(ctx, 1, 1208)
	if err != nil {
		t.Fatalf("GetPackedTransactions: %v", err)
	}
	if attempts[0].Confirmation != 0 {
		t.Fatalf("expected untouched depth at nonce 1, got %d", attempts[0].Confirmation)
	}
}

func TestCheckNoopsOnFreshAccount(t *testing.T) {
	ctx := context.Background()
	s := newTestSigner(t, 1205, &fakeChain{nonce: 0}, NewMemoryStore(), WithDelay(time.Hour))

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}
}

func TestCheckObservesReceiptsViaCallback(t *testing.T) {
	ctx := context.Background()
	client := &fakeChain{nonce: 4}
	store := NewMemoryStore()
	var observed []*chain.Receipt
	s := newTestSigner(t, 1206, client, store,
		WithDelay(time.Hour),
		WithConfirmations(64),
		WithReceiptCallback(func(receipt *chain.Receipt) {
			observed = append(observed, receipt)
		}),
	)

	if _, err := store.SetRequests(ctx, []*Request{
		{FunctionData: "0x01", ChainID: 1206},
	}); err != nil {
		t.Fatalf("SetRequests: %v", err)
	}
	if _, err := store.SetPackedTransaction(ctx, &PackedTransaction{
		Nonce:           3,
		TransactionHash: "0x01",
		ChainID:         1206,
		GasPrice:        "100",
		RequestIDs:      []int64{1},
	}); err != nil {
		t.Fatalf("SetPackedTransaction: %v", err)
	}
	client.setReceipt("0x01", &chain.Receipt{BlockNumber: 10, Status: 1, Confirmations: 70})

	if err := s.CheckPackedTransactions(ctx); err != nil {
		t.Fatalf("CheckPackedTransactions: %v", err)
	}
	if len(observed) != 1 {
		t.Fatalf("expected one observed receipt, got %d", len(observed))
	}
}
