package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ParallelSigner-Chain/internal/chain"
	"ParallelSigner-Chain/internal/chain/ethereum"
)

// Registry manages a set of ledger clients keyed by chain id.
type Registry struct {
	clients map[int64]chain.Client
	names   map[int64]string
}

// NewRegistry loads chain definitions, applies per-chain timeout/confirmation
// overrides and instantiates concrete clients.
func NewRegistry(ctx context.Context, configPath string) (*Registry, error) {
	defs, err := chain.LoadChainDefinitions(configPath)
	if err != nil {
		return nil, err
	}

	clients := make(map[int64]chain.Client)
	names := make(map[int64]string)
	for name, def := range defs.Chains {
		if _, ok := clients[def.ChainID]; ok {
			return nil, fmt.Errorf("链 %s 的 chain_id %d 与其它链重复", name, def.ChainID)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   name,
			RPCURL: def.RPCURL,
			Notes:  def.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[def.ChainID] = client
		names[def.ChainID] = name

		if def.TimeoutSeconds > 0 {
			chain.SetTimeout(def.ChainID, time.Duration(def.TimeoutSeconds)*time.Second)
		}
		if def.Confirmations > 0 {
			chain.SetConfirmation(def.ChainID, def.Confirmations)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return &Registry{clients: clients, names: names}, nil
}

// Client returns the ledger client registered for the given chain id.
func (r *Registry) Client(chainID int64) (chain.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[chainID]
	return client, ok
}

// Name returns the configured name for the chain id.
func (r *Registry) Name(chainID int64) string {
	if r == nil {
		return ""
	}
	return r.names[chainID]
}

// ChainIDs returns the registered chain ids in ascending order.
func (r *Registry) ChainIDs() []int64 {
	if r == nil {
		return nil
	}
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, id)
	}
}
