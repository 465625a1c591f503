package ethereum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ParallelSigner-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible ledger client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements the chain.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Name returns the human readable chain name.
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// TransactionCount returns the account nonce at the latest block.
func (c *Client) TransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	nonce, err := c.eth.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// TransactionReceipt looks up a receipt and derives its confirmation depth
// from the current head. A transaction unknown to the ledger yields (nil, nil).
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	rcpt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	blockNumber := rcpt.BlockNumber.Uint64()
	confirmations := uint64(0)
	if head >= blockNumber {
		confirmations = head - blockNumber + 1
	}
	return &chain.Receipt{
		TxHash:        rcpt.TxHash,
		BlockNumber:   blockNumber,
		Status:        rcpt.Status,
		Confirmations: confirmations,
	}, nil
}

// SendRawTransaction broadcasts an already-signed transaction payload.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) error {
	if c == nil || c.rpcClient == nil {
		return errors.New("未初始化的以太坊客户端")
	}
	if len(raw) == 0 {
		return errors.New("没有可发送的交易")
	}
	var txHash common.Hash
	if err := c.rpcClient.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return fmt.Errorf("发送交易失败: %w", err)
	}
	return nil
}

var _ chain.Client = (*Client)(nil)
