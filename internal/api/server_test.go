package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ParallelSigner-Chain/internal/chain"
	"ParallelSigner-Chain/internal/signer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type stubChain struct{}

func (stubChain) TransactionCount(context.Context, common.Address) (uint64, error) { return 0, nil }
func (stubChain) TransactionReceipt(context.Context, common.Hash) (*chain.Receipt, error) {
	return nil, nil
}
func (stubChain) SendRawTransaction(context.Context, []byte) error { return nil }
func (stubChain) Close()                                           {}

func newTestServer(t *testing.T, chainID int64) *Server {
	t.Helper()

	key, err := crypto.HexToECDSA("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	populate := func(ctx context.Context, requests []*signer.Request) (*signer.TxPlan, error) {
		return &signer.TxPlan{
			GasLimit: 21000,
			Fees:     signer.LegacyFee{GasPrice: big.NewInt(1000)},
		}, nil
	}
	sg, err := signer.New(key, stubChain{}, signer.NewMemoryStore(), populate, chainID,
		signer.WithDelay(time.Hour),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	svc, err := signer.NewService(sg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return NewServer(":0", svc)
}

func TestHandleSubmitSuccess(t *testing.T) {
	server := newTestServer(t, 1301)

	body := `{"chain_id":1301,"requests":[{"function_data":"0x01"},{"function_data":"0x02"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleRequests(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusAccepted)
	}
	var got SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.SubmissionID == "" {
		t.Fatal("missing submission id")
	}
	if len(got.RequestIDs) != 2 {
		t.Fatalf("unexpected request ids: %v", got.RequestIDs)
	}
}

func TestHandleSubmitErrors(t *testing.T) {
	server := newTestServer(t, 1302)

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader("{"))
		rec := httptest.NewRecorder()

		server.handleRequests(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("missing chain", func(t *testing.T) {
		body := `{"requests":[{"function_data":"0x01"}]}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body))
		rec := httptest.NewRecorder()

		server.handleRequests(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("unknown chain", func(t *testing.T) {
		body := `{"chain_id":999,"requests":[{"function_data":"0x01"}]}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body))
		rec := httptest.NewRecorder()

		server.handleRequests(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/requests", nil)
		rec := httptest.NewRecorder()

		server.handleRequests(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestHandleListRequests(t *testing.T) {
	server := newTestServer(t, 1303)

	body := `{"chain_id":1303,"requests":[{"function_data":"0x01"},{"function_data":"0x02"}]}`
	submit := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body))
	server.handleRequests(httptest.NewRecorder(), submit)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests?chain_id=1303&from_id=2", nil)
	rec := httptest.NewRecorder()

	server.handleRequests(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got []*signer.Request
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("unexpected requests: %+v", got)
	}

	t.Run("missing chain id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		rec := httptest.NewRecorder()

		server.handleRequests(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleChains(t *testing.T) {
	server := newTestServer(t, 1304)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chains", nil)
	rec := httptest.NewRecorder()

	server.handleChains(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got map[string][]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ids := got["chain_ids"]; len(ids) != 1 || ids[0] != 1304 {
		t.Fatalf("unexpected chain ids: %v", got)
	}
}
