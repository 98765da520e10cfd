package node

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"priceoracle/internal/config"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Client 节点能力接口
// http 和 ws 两种实现行为一致，所有失败都返回 RPC 错误并原样保留节点返回的信息
type Client interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	SendTransaction(ctx context.Context, req *models.CallRequest) (common.Hash, error)
	// TransactionReceipt 交易未上链时返回 nil, nil
	TransactionReceipt(ctx context.Context, hash common.Hash) (*models.Receipt, error)
	SubscribeLogs(ctx context.Context, filter LogFilter) (*Subscription, error)
	Close()
}

// LogFilter 日志过滤条件，区块范围为 FromBlock 到最新
type LogFilter struct {
	Address   common.Address
	Topics    []common.Hash // 只匹配 topic0
	FromBlock uint64
}

// Dial 按配置选择传输方式创建节点客户端
func Dial(ctx context.Context, cfg *config.NodeConfig, logger *logrus.Logger) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("节点配置为空")
	}

	switch cfg.ResolvedTransport() {
	case "http":
		return newHTTPClient(cfg, logger), nil
	case "ws":
		return dialWS(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("不支持的传输方式: %s", cfg.Transport)
	}
}

// Subscription 日志订阅
// 取消后不能重新启动，需要重新订阅
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	logs   chan types.Log
	errc   chan error
	once   sync.Once
}

func newSubscription(parent context.Context) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		ctx:    ctx,
		cancel: cancel,
		logs:   make(chan types.Log, 64),
		errc:   make(chan error, 1),
	}
}

// Logs 日志通道，订阅结束后关闭
func (s *Subscription) Logs() <-chan types.Log {
	return s.logs
}

// Err 订阅失败时收到一个错误，订阅结束后关闭
func (s *Subscription) Err() <-chan error {
	return s.errc
}

// Unsubscribe 取消订阅
func (s *Subscription) Unsubscribe() {
	s.cancel()
}

// deliver 投递一条日志，订阅已取消时返回 false
func (s *Subscription) deliver(log types.Log) bool {
	select {
	case s.logs <- log:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail 记录错误，取消后产生的错误不再报告
func (s *Subscription) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.errc <- err:
	default:
	}
}

// finish 由生产者 goroutine 在退出时调用
func (s *Subscription) finish() {
	s.once.Do(func() {
		s.cancel()
		close(s.logs)
		close(s.errc)
	})
}

// NewStaticSubscription 投递给定日志后保持打开直到取消，用于回放和测试
func NewStaticSubscription(ctx context.Context, logs []types.Log) *Subscription {
	sub := newSubscription(ctx)
	go func() {
		defer sub.finish()
		for _, log := range logs {
			if !sub.deliver(log) {
				return
			}
		}
		<-sub.ctx.Done()
	}()
	return sub
}

// txArgs eth_sendTransaction 参数
type txArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

func toTxArgs(req *models.CallRequest) txArgs {
	args := txArgs{
		From: req.From,
		To:   req.To,
		Data: req.Data,
	}
	if req.Gas != nil {
		gas := hexutil.Uint64(req.Gas.Uint64())
		args.Gas = &gas
	}
	if req.GasPrice != nil {
		args.GasPrice = (*hexutil.Big)(req.GasPrice)
	}
	if req.Value != nil {
		args.Value = (*hexutil.Big)(req.Value)
	}
	return args
}

// rpcReceipt 回执中用到的字段
type rpcReceipt struct {
	TxHash          common.Hash     `json:"transactionHash"`
	ContractAddress *common.Address `json:"contractAddress"`
	Status          *hexutil.Uint64 `json:"status"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
}

func (r *rpcReceipt) toModel() *models.Receipt {
	receipt := &models.Receipt{
		TxHash:      r.TxHash,
		BlockNumber: uint64(r.BlockNumber),
		GasUsed:     uint64(r.GasUsed),
		// 拜占庭之前的回执没有 status 字段，视为成功
		Status: models.ReceiptStatusSuccessful,
	}
	if r.Status != nil {
		receipt.Status = uint64(*r.Status)
	}
	if r.ContractAddress != nil && *r.ContractAddress != (common.Address{}) {
		addr := *r.ContractAddress
		receipt.ContractAddress = &addr
	}
	return receipt
}

// fromGethReceipt 转换 go-ethereum 回执
func fromGethReceipt(r *types.Receipt) *models.Receipt {
	receipt := &models.Receipt{
		TxHash:  r.TxHash,
		Status:  r.Status,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.ContractAddress != (common.Address{}) {
		addr := r.ContractAddress
		receipt.ContractAddress = &addr
	}
	return receipt
}

// matchLog 检查日志是否满足过滤条件
func matchLog(filter LogFilter, log types.Log) bool {
	if log.Address != filter.Address {
		return false
	}
	if len(filter.Topics) == 0 {
		return true
	}
	if len(log.Topics) == 0 {
		return false
	}
	for _, topic := range filter.Topics {
		if log.Topics[0] == topic {
			return true
		}
	}
	return false
}
