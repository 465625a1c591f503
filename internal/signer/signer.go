package signer

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"ParallelSigner-Chain/internal/chain"
	xerrors "ParallelSigner-Chain/internal/errors"
	"ParallelSigner-Chain/internal/observability/alerting"
	"ParallelSigner-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxPlan 是编码回调返回的交易参数。费用为提议值，实际费用可能因
// 同槽位加价规则而更高。
type TxPlan struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	Fees     GasFees
}

// PopulateFunc 把一批请求编码为一笔交易的参数。回调必须给出费用方案，
// 且同一链上始终使用同一方案。
type PopulateFunc func(ctx context.Context, requests []*Request) (*TxPlan, error)

// TxInput 是调用方提交的单条请求。
type TxInput struct {
	FunctionData string `json:"function_data"`
	LogID        int64  `json:"log_id,omitempty"`
}

// Option 定义 Signer 的可选配置。
type Option func(*Signer)

// WithRequestCountLimit 设置单笔交易最多打包的请求数。
func WithRequestCountLimit(limit int) Option {
	return func(s *Signer) {
		if limit > 0 {
			s.requestCountLimit = limit
		}
	}
}

// WithDelay 设置提交后的延迟打包间隔。为 0 时提交即触发打包。
func WithDelay(delay time.Duration) Option {
	return func(s *Signer) {
		if delay >= 0 {
			s.delay = delay
		}
	}
}

// WithCheckInterval 设置确认核对周期。
func WithCheckInterval(interval time.Duration) Option {
	return func(s *Signer) {
		if interval > 0 {
			s.checkInterval = interval
		}
	}
}

// WithConfirmations 设置终结所需的确认深度。
func WithConfirmations(depth uint64) Option {
	return func(s *Signer) {
		if depth > 0 {
			s.confirmations = depth
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(s *Signer) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithNotifier 指定终结事件通知器。
func WithNotifier(notifier Notifier) Option {
	return func(s *Signer) {
		s.notifier = notifier
	}
}

// WithAlertDispatcher 指定异常告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Signer) {
		s.alerter = dispatcher
	}
}

// WithReceiptCallback 注册回执观察回调，每次查到回执时调用。
func WithReceiptCallback(fn func(*chain.Receipt)) Option {
	return func(s *Signer) {
		s.onReceipt = fn
	}
}

// WithFloorResetAlert 控制回溯触底时是否发出告警。
func WithFloorResetAlert(enabled bool) Option {
	return func(s *Signer) {
		s.alertOnFloorReset = enabled
	}
}

// Signer 管理单个账户在单条链上的请求打包、加价重发与确认对账。
// 一个账户同一时间只能由一个 Signer 实例管理，否则 nonce 会互相踩踏。
type Signer struct {
	chainID int64
	key     *ecdsa.PrivateKey
	address common.Address

	client   chain.Client
	store    Store
	populate PopulateFunc

	requestCountLimit int
	delay             time.Duration
	checkInterval     time.Duration
	confirmations     uint64
	alertOnFloorReset bool

	logger    *slog.Logger
	notifier  Notifier
	alerter   alerting.Dispatcher
	onReceipt func(*chain.Receipt)

	repacking atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const defaultRequestCountLimit = 10

// New 创建一个 Signer。confirmations 未显式指定时使用所在链的默认深度。
func New(key *ecdsa.PrivateKey, client chain.Client, store Store, populate PopulateFunc, chainID int64, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链客户端不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "存储不能为空")
	}
	if populate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "编码回调不能为空")
	}
	if chainID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 chain_id")
	}

	s := &Signer{
		chainID:           chainID,
		key:               key,
		address:           crypto.PubkeyToAddress(key.PublicKey),
		client:            client,
		store:             store,
		populate:          populate,
		requestCountLimit: defaultRequestCountLimit,
		checkInterval:     60 * time.Second,
		logger:            logger.Named("signer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.confirmations == 0 {
		s.confirmations = chain.Confirmation(chainID)
	}
	return s, nil
}

// Address 返回 Signer 管理的账户地址。
func (s *Signer) Address() common.Address { return s.address }

// ChainID 返回 Signer 所在链。
func (s *Signer) ChainID() int64 { return s.chainID }

// SendTransactions 持久化一批请求并返回分配的 id。未配置延迟时同步触发
// 一次打包，打包失败只记录日志，不影响请求落库结果。
func (s *Signer) SendTransactions(ctx context.Context, inputs []TxInput) ([]int64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	now := time.Now().UnixMilli()
	requests := make([]*Request, 0, len(inputs))
	for _, input := range inputs {
		if input.FunctionData == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "function_data 不能为空")
		}
		requests = append(requests, &Request{
			FunctionData: input.FunctionData,
			ChainID:      s.chainID,
			LogID:        input.LogID,
			CreatedAt:    now,
		})
	}

	ids, err := s.store.SetRequests(ctx, requests)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化请求失败")
	}
	s.logger.Info("请求已入队",
		slog.Int64("chain_id", s.chainID),
		slog.Int("count", len(ids)),
	)

	if s.delay == 0 {
		if err := s.Repack(ctx); err != nil {
			s.logger.Error("提交后打包失败",
				slog.Int64("chain_id", s.chainID),
				slog.String("error", err.Error()),
			)
			s.dispatchAlertError(ctx, err, 0, "")
		}
	}
	return ids, nil
}

// Repack 执行一轮打包。已有打包流程在执行时直接返回，不排队等待。
func (s *Signer) Repack(ctx context.Context) error {
	if !s.repacking.CompareAndSwap(false, true) {
		return nil
	}
	defer s.repacking.Store(false)

	nonce, err := s.client.TransactionCount(ctx, s.address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询账户 nonce 失败")
	}

	requests, err := s.selectRepackRequests(ctx, nonce)
	if err != nil {
		return err
	}
	return s.sendPackedTransaction(ctx, requests, nonce)
}

// Start 启动周期打包与周期确认两个后台任务。重复调用是无害的。
func (s *Signer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.repackLoop(runCtx)
	go s.checkLoop(runCtx)

	s.logger.Info("signer 已启动",
		slog.Int64("chain_id", s.chainID),
		slog.String("address", s.address.Hex()),
		slog.Duration("repack_interval", s.repackInterval()),
		slog.Duration("check_interval", s.checkInterval),
	)
}

// Close 停止后台任务并等待其退出。不关闭外部传入的存储与链客户端。
func (s *Signer) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// repackInterval 返回周期打包间隔。配置了延迟时使用延迟值，否则折半
// 使用所在链的超时时间，保证超时尝试最迟一个周期内被加价重发。
func (s *Signer) repackInterval() time.Duration {
	if s.delay > 0 {
		return s.delay
	}
	interval := chain.Timeout(s.chainID) / 2
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

func (s *Signer) repackLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.repackInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Repack(ctx); err != nil {
				s.logger.Error("周期打包失败",
					slog.Int64("chain_id", s.chainID),
					slog.String("error", err.Error()),
				)
				s.dispatchAlertError(ctx, err, 0, "")
			}
		}
	}
}

func (s *Signer) checkLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CheckPackedTransactions(ctx); err != nil {
				s.logger.Error("确认核对失败",
					slog.Int64("chain_id", s.chainID),
					slog.String("error", err.Error()),
				)
				s.dispatchAlertError(ctx, err, 0, "")
			}
		}
	}
}

// dispatchAlert 发送一条领域告警事件，alerter 未配置时静默。
func (s *Signer) dispatchAlert(ctx context.Context, code xerrors.Code, message string, nonce uint64, txHash string) {
	if s.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.AttributesOf(code).Severity,
		ChainID:    s.chainID,
		Nonce:      nonce,
		TxHash:     txHash,
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.logger.Warn("发送告警失败", slog.String("error", err.Error()))
	}
}

func (s *Signer) dispatchAlertError(ctx context.Context, err error, nonce uint64, txHash string) {
	if s.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	s.dispatchAlert(ctx, xerrors.CodeOf(err), err.Error(), nonce, txHash)
}
