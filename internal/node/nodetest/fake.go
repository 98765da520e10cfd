// Package nodetest 提供内存中的节点客户端，用于测试
package nodetest

import (
	"context"
	"math/big"
	"sync"

	"priceoracle/internal/errors"
	"priceoracle/internal/node"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient 可编程的节点客户端
// 交易哈希按提交顺序生成，可通过 ReceiptAfter 控制回执在第几次查询时出现
type FakeClient struct {
	mu sync.Mutex

	AccountList  []common.Address
	GasPriceWei  *big.Int
	Head         uint64
	HeadStep     uint64 // 每次查询区块高度后增加
	ReceiptAfter int    // 第 N 次查询回执时返回回执，0 表示永不返回
	ReceiptFail  bool   // 回执状态为失败
	SendErr      error

	nonces       map[common.Address]uint64
	receiptPoll  map[common.Hash]int
	receiptBlock map[common.Hash]uint64

	RawSent  [][]byte
	Requests []*models.CallRequest
	Hashes   []common.Hash
	Calls    map[string]int
	Trace    []string // 按调用顺序记录的方法名
	Logs     []types.Log
	closed   bool
}

var _ node.Client = (*FakeClient)(nil)

// NewFakeClient 创建默认配置的客户端
func NewFakeClient() *FakeClient {
	return &FakeClient{
		GasPriceWei:  big.NewInt(20000000000),
		Head:         100,
		ReceiptAfter: 1,
		nonces:       make(map[common.Address]uint64),
		receiptPoll:  make(map[common.Hash]int),
		receiptBlock: make(map[common.Hash]uint64),
		Calls:        make(map[string]int),
	}
}

func (f *FakeClient) count(method string) {
	f.Calls[method]++
	f.Trace = append(f.Trace, method)
}

// CallTrace 返回调用顺序
func (f *FakeClient) CallTrace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Trace...)
}

// CallCount 返回方法调用次数
func (f *FakeClient) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// SetNonce 设置账户 pending nonce
func (f *FakeClient) SetNonce(account common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[account] = nonce
}

// Sent 返回已发送的交易数
func (f *FakeClient) Sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Hashes)
}

func (f *FakeClient) Accounts(ctx context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_accounts")
	return append([]common.Address(nil), f.AccountList...), nil
}

func (f *FakeClient) GasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_gasPrice")
	return new(big.Int).Set(f.GasPriceWei), nil
}

func (f *FakeClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_getTransactionCount")
	return f.nonces[account], nil
}

func (f *FakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_blockNumber")
	head := f.Head
	f.Head += f.HeadStep
	return head, nil
}

func (f *FakeClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_sendRawTransaction")
	if f.SendErr != nil {
		return common.Hash{}, errors.RPCError("eth_sendRawTransaction", f.SendErr)
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, errors.RPCError("eth_sendRawTransaction", err)
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	if from, err := types.Sender(signer, &tx); err == nil {
		// 模拟节点：接受后 pending nonce 前进
		if tx.Nonce() >= f.nonces[from] {
			f.nonces[from] = tx.Nonce() + 1
		}
	}

	f.RawSent = append(f.RawSent, raw)
	f.Hashes = append(f.Hashes, tx.Hash())
	return tx.Hash(), nil
}

func (f *FakeClient) SendTransaction(ctx context.Context, req *models.CallRequest) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_sendTransaction")
	if f.SendErr != nil {
		return common.Hash{}, errors.RPCError("eth_sendTransaction", f.SendErr)
	}

	f.Requests = append(f.Requests, req)
	hash := common.BigToHash(big.NewInt(int64(len(f.Hashes) + 1)))
	f.Hashes = append(f.Hashes, hash)
	return hash, nil
}

func (f *FakeClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*models.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_getTransactionReceipt")

	f.receiptPoll[hash]++
	if f.ReceiptAfter == 0 || f.receiptPoll[hash] < f.ReceiptAfter {
		return nil, nil
	}

	// 首次出现时的区块高度即为打包高度
	block, ok := f.receiptBlock[hash]
	if !ok {
		block = f.Head
		f.receiptBlock[hash] = block
	}

	status := models.ReceiptStatusSuccessful
	if f.ReceiptFail {
		status = models.ReceiptStatusFailed
	}
	return &models.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: block,
		GasUsed:     21000,
	}, nil
}

// ReceiptPolls 返回某个交易的回执查询次数
func (f *FakeClient) ReceiptPolls(hash common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptPoll[hash]
}

// SubscribeLogs 投递 Logs 中满足条件的日志，然后保持订阅直到取消
func (f *FakeClient) SubscribeLogs(ctx context.Context, filter node.LogFilter) (*node.Subscription, error) {
	f.mu.Lock()
	f.count("eth_subscribe")
	var logs []types.Log
	for _, l := range f.Logs {
		if l.Address != filter.Address || l.BlockNumber < filter.FromBlock {
			continue
		}
		logs = append(logs, l)
	}
	f.mu.Unlock()

	return node.NewStaticSubscription(ctx, logs), nil
}

func (f *FakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Closed 是否已关闭
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
