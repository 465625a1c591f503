package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ParallelSigner-Chain/sdk/go/parallelsigner"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(parallelsigner.SubmitResult{
				SubmissionID: "sub-demo",
				RequestIDs:   []int64{1, 2},
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]parallelsigner.Request{
				{ID: 1, FunctionData: "0x01", ChainID: 1, TxID: "0xfeed"},
				{ID: 2, FunctionData: "0x02", ChainID: 1},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/chains", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]int64{"chain_ids": {1}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := parallelsigner.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chains, err := client.Chains(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("daemon packs for chains %v\n", chains)

	result, err := client.SubmitRequests(ctx, 1, []parallelsigner.RequestInput{
		{FunctionData: "0x01"},
		{FunctionData: "0x02"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted %v as %s\n", result.RequestIDs, result.SubmissionID)

	requests, err := client.ListRequests(ctx, 1, 0, 10)
	if err != nil {
		panic(err)
	}
	for _, req := range requests {
		fmt.Printf("request %d tx=%q\n", req.ID, req.TxID)
	}
}
