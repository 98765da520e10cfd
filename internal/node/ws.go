package node

import (
	"context"
	stderrors "errors"
	"math/big"

	"priceoracle/internal/config"
	"priceoracle/internal/errors"
	"priceoracle/internal/logging"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// wsClient 长连接客户端，日志使用原生 eth_subscribe
type wsClient struct {
	url    string
	rc     *rpc.Client
	ec     *ethclient.Client
	logger *logrus.Logger
}

func dialWS(ctx context.Context, cfg *config.NodeConfig, logger *logrus.Logger) (*wsClient, error) {
	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rc, err := rpc.DialWebsocket(dialCtx, cfg.URL, "")
	if err != nil {
		return nil, errors.RPCError("dial", err)
	}

	logger.Infof("已连接节点: %s", cfg.URL)
	return &wsClient{
		url:    cfg.URL,
		rc:     rc,
		ec:     ethclient.NewClient(rc),
		logger: logger,
	}, nil
}

func (c *wsClient) debug(method string) {
	logging.NewRPCLogger(c.logger, method, c.url).Debug("发送节点请求")
}

func (c *wsClient) Accounts(ctx context.Context) ([]common.Address, error) {
	c.debug("eth_accounts")
	var accounts []common.Address
	if err := c.rc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, errors.RPCError("eth_accounts", err)
	}
	return accounts, nil
}

func (c *wsClient) GasPrice(ctx context.Context) (*big.Int, error) {
	c.debug("eth_gasPrice")
	price, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.RPCError("eth_gasPrice", err)
	}
	return price, nil
}

func (c *wsClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	c.debug("eth_getTransactionCount")
	nonce, err := c.ec.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, errors.RPCError("eth_getTransactionCount", err)
	}
	return nonce, nil
}

func (c *wsClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.debug("eth_blockNumber")
	number, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return 0, errors.RPCError("eth_blockNumber", err)
	}
	return number, nil
}

func (c *wsClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	c.debug("eth_sendRawTransaction")
	var hash common.Hash
	if err := c.rc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		return common.Hash{}, errors.RPCError("eth_sendRawTransaction", err)
	}
	return hash, nil
}

func (c *wsClient) SendTransaction(ctx context.Context, req *models.CallRequest) (common.Hash, error) {
	c.debug("eth_sendTransaction")
	var hash common.Hash
	if err := c.rc.CallContext(ctx, &hash, "eth_sendTransaction", toTxArgs(req)); err != nil {
		return common.Hash{}, errors.RPCError("eth_sendTransaction", err)
	}
	return hash, nil
}

func (c *wsClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*models.Receipt, error) {
	c.debug("eth_getTransactionReceipt")
	receipt, err := c.ec.TransactionReceipt(ctx, hash)
	if stderrors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.RPCError("eth_getTransactionReceipt", err)
	}
	return fromGethReceipt(receipt), nil
}

// SubscribeLogs 先订阅新日志，再用 eth_getLogs 补齐 FromBlock 到当前高度的历史
// 新日志只转发高于补齐高度的部分，保证不重复不遗漏
func (c *wsClient) SubscribeLogs(ctx context.Context, filter LogFilter) (*Subscription, error) {
	c.debug("eth_subscribe")

	query := ethereum.FilterQuery{
		Addresses: []common.Address{filter.Address},
	}
	if len(filter.Topics) > 0 {
		query.Topics = [][]common.Hash{filter.Topics}
	}

	sub := newSubscription(ctx)
	live := make(chan types.Log, 64)
	gethSub, err := c.ec.SubscribeFilterLogs(sub.ctx, query, live)
	if err != nil {
		sub.cancel()
		return nil, errors.RPCError("eth_subscribe", err)
	}

	head, err := c.ec.BlockNumber(sub.ctx)
	if err != nil {
		gethSub.Unsubscribe()
		sub.cancel()
		return nil, errors.RPCError("eth_blockNumber", err)
	}

	go func() {
		defer sub.finish()
		defer gethSub.Unsubscribe()

		if head >= filter.FromBlock {
			history := query
			history.FromBlock = new(big.Int).SetUint64(filter.FromBlock)
			history.ToBlock = new(big.Int).SetUint64(head)

			logs, err := c.ec.FilterLogs(sub.ctx, history)
			if err != nil {
				sub.fail(errors.RPCError("eth_getLogs", err))
				return
			}
			for _, log := range logs {
				if !sub.deliver(log) {
					return
				}
			}
		}

		for {
			select {
			case <-sub.ctx.Done():
				return
			case err, ok := <-gethSub.Err():
				if ok && err != nil {
					sub.fail(errors.RPCError("eth_subscribe", err))
				}
				return
			case log := <-live:
				if log.BlockNumber < filter.FromBlock {
					continue
				}
				// 已由历史补齐投递，重组撤销的日志照常转发
				if log.BlockNumber <= head && !log.Removed {
					continue
				}
				if !sub.deliver(log) {
					return
				}
			}
		}
	}()

	return sub, nil
}

func (c *wsClient) Close() {
	c.rc.Close()
}
