package node

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"priceoracle/internal/config"
	"priceoracle/internal/errors"
	"priceoracle/internal/logging"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/ybbus/jsonrpc/v3"
)

// httpClient 请求/响应式 JSON-RPC 客户端
// 日志订阅通过 eth_blockNumber + eth_getLogs 轮询模拟
type httpClient struct {
	url          string
	rpc          jsonrpc.RPCClient
	logger       *logrus.Logger
	pollInterval time.Duration
}

func newHTTPClient(cfg *config.NodeConfig, logger *logrus.Logger) *httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pollInterval := cfg.LogPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &httpClient{
		url: cfg.URL,
		rpc: jsonrpc.NewClientWithOpts(cfg.URL, &jsonrpc.RPCClientOpts{
			HTTPClient: &http.Client{Timeout: timeout},
		}),
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// call 执行一次调用并解码结果，out 为 nil 时忽略结果
// 返回 (false, nil) 表示结果为 null
func (c *httpClient) call(ctx context.Context, method string, out interface{}, params ...interface{}) (bool, error) {
	logging.NewRPCLogger(c.logger, method, c.url).Debug("发送节点请求")

	res, err := c.rpc.Call(ctx, method, params...)
	if err != nil {
		return false, errors.RPCError(method, err)
	}
	if res.Error != nil {
		return false, errors.RPCError(method, res.Error)
	}
	if res.Result == nil {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := res.GetObject(out); err != nil {
		return false, errors.RPCError(method, fmt.Errorf("解析响应失败: %w", err))
	}
	return true, nil
}

// callRequired 结果不能为 null 的调用
func (c *httpClient) callRequired(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	ok, err := c.call(ctx, method, out, params...)
	if err != nil {
		return err
	}
	if !ok {
		return errors.RPCError(method, fmt.Errorf("节点返回空结果"))
	}
	return nil
}

func (c *httpClient) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if _, err := c.call(ctx, "eth_accounts", &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *httpClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var price hexutil.Big
	if err := c.callRequired(ctx, "eth_gasPrice", &price); err != nil {
		return nil, err
	}
	return price.ToInt(), nil
}

func (c *httpClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var nonce hexutil.Uint64
	if err := c.callRequired(ctx, "eth_getTransactionCount", &nonce, account, "pending"); err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

func (c *httpClient) BlockNumber(ctx context.Context) (uint64, error) {
	var number hexutil.Uint64
	if err := c.callRequired(ctx, "eth_blockNumber", &number); err != nil {
		return 0, err
	}
	return uint64(number), nil
}

func (c *httpClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	if err := c.callRequired(ctx, "eth_sendRawTransaction", &hash, hexutil.Encode(raw)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (c *httpClient) SendTransaction(ctx context.Context, req *models.CallRequest) (common.Hash, error) {
	var hash common.Hash
	// 单个结构体参数需要显式包装为数组
	if err := c.callRequired(ctx, "eth_sendTransaction", &hash, []interface{}{toTxArgs(req)}); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (c *httpClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*models.Receipt, error) {
	var receipt rpcReceipt
	ok, err := c.call(ctx, "eth_getTransactionReceipt", &receipt, hash.Hex())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return receipt.toModel(), nil
}

// getLogs 查询 [from, to] 区间的日志
func (c *httpClient) getLogs(ctx context.Context, filter LogFilter, from, to uint64) ([]types.Log, error) {
	query := map[string]interface{}{
		"address":   filter.Address,
		"fromBlock": hexutil.Uint64(from),
		"toBlock":   hexutil.Uint64(to),
	}
	if len(filter.Topics) > 0 {
		query["topics"] = []interface{}{filter.Topics}
	}

	var logs []types.Log
	if _, err := c.call(ctx, "eth_getLogs", &logs, []interface{}{query}); err != nil {
		return nil, err
	}
	return logs, nil
}

// SubscribeLogs 轮询模拟订阅，投递语义与 ws 订阅一致：先补齐历史，再按区块顺序推送新日志
func (c *httpClient) SubscribeLogs(ctx context.Context, filter LogFilter) (*Subscription, error) {
	// 先确认节点可用，订阅建立失败直接返回
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(ctx)
	go func() {
		defer sub.finish()

		next := filter.FromBlock
		for {
			if head >= next {
				logs, err := c.getLogs(sub.ctx, filter, next, head)
				if err != nil {
					sub.fail(err)
					return
				}
				for _, log := range logs {
					if !matchLog(filter, log) {
						continue
					}
					if !sub.deliver(log) {
						return
					}
				}
				next = head + 1
			}

			select {
			case <-sub.ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}

			head, err = c.BlockNumber(sub.ctx)
			if err != nil {
				sub.fail(err)
				return
			}
		}
	}()

	return sub, nil
}

func (c *httpClient) Close() {}
