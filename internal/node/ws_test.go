package node

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"priceoracle/internal/config"
	oerrors "priceoracle/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	wsContract = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	wsTopic    = common.HexToHash("0x01")
)

type wsFilterArgs struct {
	Address   []common.Address `json:"address"`
	Topics    [][]common.Hash  `json:"topics"`
	FromBlock string           `json:"fromBlock"`
	ToBlock   string           `json:"toBlock"`
}

// ethService 以 eth 命名空间注册到 rpc.Server
type ethService struct {
	mu      sync.Mutex
	head    uint64
	history []types.Log
	live    chan types.Log
	subErr  error
	filters []wsFilterArgs
	rawSent [][]byte
}

func newEthService(head uint64) *ethService {
	return &ethService{head: head, live: make(chan types.Log, 16)}
}

func (s *ethService) Accounts() []common.Address {
	return []common.Address{common.HexToAddress("0xaa")}
}

func (s *ethService) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(20000000000))
}

func (s *ethService) GetTransactionCount(account common.Address, block string) (hexutil.Uint64, error) {
	if block != "pending" {
		return 0, errors.New("unexpected block tag " + block)
	}
	return 7, nil
}

func (s *ethService) BlockNumber() hexutil.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hexutil.Uint64(s.head)
}

func (s *ethService) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawSent = append(s.rawSent, raw)
	return crypto.Keccak256Hash(raw), nil
}

func (s *ethService) GetTransactionReceipt(hash common.Hash) (map[string]interface{}, error) {
	return nil, nil
}

func (s *ethService) GetLogs(args wsFilterArgs) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, args)

	from, err := hexutil.DecodeUint64(args.FromBlock)
	if err != nil {
		return nil, err
	}
	to, err := hexutil.DecodeUint64(args.ToBlock)
	if err != nil {
		return nil, err
	}
	out := []types.Log{}
	for _, l := range s.history {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

// Logs 对应 eth_subscribe("logs", ...)，推送 live 中的日志
func (s *ethService) Logs(ctx context.Context, args wsFilterArgs) (*rpc.Subscription, error) {
	s.mu.Lock()
	subErr := s.subErr
	s.mu.Unlock()
	if subErr != nil {
		return nil, subErr
	}

	notifier, ok := rpc.NotifierFromContext(ctx)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()
	go func() {
		for {
			select {
			case l := <-s.live:
				_ = notifier.Notify(sub.ID, l)
			case <-sub.Err():
				return
			}
		}
	}()
	return sub, nil
}

func (s *ethService) filterCalls() []wsFilterArgs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wsFilterArgs(nil), s.filters...)
}

func wsLog(block uint64, index uint) types.Log {
	return types.Log{
		Address:     wsContract,
		Topics:      []common.Hash{wsTopic},
		Data:        common.LeftPadBytes(big.NewInt(int64(block)).Bytes(), 32),
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
	}
}

func newWSTestClient(t *testing.T, svc *ethService) (Client, *rpc.Server) {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	srv := httptest.NewServer(server.WebsocketHandler([]string{"*"}))
	t.Cleanup(func() {
		server.Stop()
		srv.Close()
	})

	client, err := Dial(context.Background(), &config.NodeConfig{
		URL:     "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		Timeout: time.Second,
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, server
}

func nextLog(t *testing.T, sub *Subscription) types.Log {
	t.Helper()
	select {
	case l, ok := <-sub.Logs():
		require.True(t, ok, "订阅已结束")
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("等待日志超时")
		return types.Log{}
	}
}

func TestWSClient_ReadCalls(t *testing.T) {
	svc := newEthService(12)
	client, _ := newWSTestClient(t, svc)
	ctx := context.Background()

	accounts, err := client.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{common.HexToAddress("0xaa")}, accounts)

	price, err := client.GasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(20000000000), price)

	nonce, err := client.PendingNonce(ctx, common.HexToAddress("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)

	head, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), head)

	raw := []byte{0x01, 0x02}
	hash, err := client.SendRawTransaction(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(raw), hash)

	// 未上链的交易没有回执
	receipt, err := client.TransactionReceipt(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestWSClient_SubscribeLogsBackfillAndDedup(t *testing.T) {
	svc := newEthService(10)
	svc.history = []types.Log{wsLog(3, 0), wsLog(8, 0), wsLog(10, 0), wsLog(10, 1)}
	client, _ := newWSTestClient(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := client.SubscribeLogs(ctx, LogFilter{
		Address:   wsContract,
		Topics:    []common.Hash{wsTopic},
		FromBlock: 5,
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// 历史补齐只查询 FromBlock 到订阅时的高度
	for _, want := range []types.Log{wsLog(8, 0), wsLog(10, 0), wsLog(10, 1)} {
		got := nextLog(t, sub)
		assert.Equal(t, want.BlockNumber, got.BlockNumber)
		assert.Equal(t, want.Index, got.Index)
	}
	filters := svc.filterCalls()
	require.Len(t, filters, 1)
	assert.Equal(t, "0x5", filters[0].FromBlock)
	assert.Equal(t, "0xa", filters[0].ToBlock)
	assert.Equal(t, []common.Address{wsContract}, filters[0].Address)

	removed := wsLog(10, 1)
	removed.Removed = true
	svc.live <- wsLog(4, 0)  // 低于 FromBlock
	svc.live <- wsLog(10, 0) // 已由历史补齐投递
	svc.live <- removed      // 重组撤销照常转发
	svc.live <- wsLog(11, 0)

	got := nextLog(t, sub)
	assert.Equal(t, uint64(10), got.BlockNumber)
	assert.True(t, got.Removed)

	got = nextLog(t, sub)
	assert.Equal(t, uint64(11), got.BlockNumber)
	assert.False(t, got.Removed)

	select {
	case l := <-sub.Logs():
		t.Fatalf("收到多余日志: block=%d index=%d", l.BlockNumber, l.Index)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWSClient_SubscribeLogsFromFutureBlock(t *testing.T) {
	svc := newEthService(10)
	svc.history = []types.Log{wsLog(9, 0)}
	client, _ := newWSTestClient(t, svc)

	sub, err := client.SubscribeLogs(context.Background(), LogFilter{Address: wsContract, FromBlock: 20})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	svc.live <- wsLog(15, 0)
	svc.live <- wsLog(20, 0)

	got := nextLog(t, sub)
	assert.Equal(t, uint64(20), got.BlockNumber)
	// 起始区块高于当前高度时不查询历史
	assert.Empty(t, svc.filterCalls())
}

func TestWSClient_SubscribeRejected(t *testing.T) {
	svc := newEthService(10)
	svc.subErr = errors.New("filter not found")
	client, _ := newWSTestClient(t, svc)

	_, err := client.SubscribeLogs(context.Background(), LogFilter{Address: wsContract})
	require.Error(t, err)
	assert.True(t, errors.Is(err, oerrors.ErrRPC))
	assert.Contains(t, err.Error(), "filter not found")
}

func TestWSClient_SubscriptionErrorPropagates(t *testing.T) {
	svc := newEthService(10)
	client, server := newWSTestClient(t, svc)

	sub, err := client.SubscribeLogs(context.Background(), LogFilter{Address: wsContract, FromBlock: 11})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// 节点断开连接
	server.Stop()

	select {
	case err, ok := <-sub.Err():
		require.True(t, ok)
		require.Error(t, err)
		assert.True(t, errors.Is(err, oerrors.ErrRPC))
	case <-time.After(2 * time.Second):
		t.Fatal("订阅错误未转发")
	}

	// 出错后日志通道关闭
	select {
	case _, ok := <-sub.Logs():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("日志通道未关闭")
	}
}

func TestWSClient_UnsubscribeClosesChannels(t *testing.T) {
	svc := newEthService(10)
	client, _ := newWSTestClient(t, svc)

	sub, err := client.SubscribeLogs(context.Background(), LogFilter{Address: wsContract, FromBlock: 11})
	require.NoError(t, err)
	sub.Unsubscribe()

	select {
	case err, ok := <-sub.Err():
		assert.False(t, ok)
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("取消后错误通道未关闭")
	}
}
