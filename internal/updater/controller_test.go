package updater

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"priceoracle/internal/calldata"
	"priceoracle/internal/confirm"
	"priceoracle/internal/errors"
	"priceoracle/internal/monitor"
	"priceoracle/internal/node/nodetest"
	"priceoracle/internal/signer"
	"priceoracle/internal/txbuilder"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// seqFeed 依次返回给定价格
type seqFeed struct {
	mu     sync.Mutex
	prices []float64
	errs   []error
	i      int
}

func (f *seqFeed) FetchPrice(ctx context.Context) (*models.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.i
	f.i++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &models.PriceQuote{Rate: f.prices[i%len(f.prices)], FetchedAt: time.Now()}, nil
}

type memJournal struct {
	records  []*models.SubmissionRecord
	outcomes map[common.Hash]models.Outcome
	last     *float64
}

func (j *memJournal) Record(rec *models.SubmissionRecord) error {
	j.records = append(j.records, rec)
	price := rec.Price
	j.last = &price
	return nil
}

func (j *memJournal) UpdateOutcome(txHash common.Hash, outcome models.Outcome, blockNumber uint64, errMsg string) error {
	if j.outcomes == nil {
		j.outcomes = make(map[common.Hash]models.Outcome)
	}
	j.outcomes[txHash] = outcome
	return nil
}

func (j *memJournal) LastSubmittedPrice() (float64, bool) {
	if j.last == nil {
		return 0, false
	}
	return *j.last, true
}

type fixture struct {
	client  *nodetest.FakeClient
	journal *memJournal
	metrics *monitor.Metrics
	ctrl    *Controller
}

func newFixture(t *testing.T, f *seqFeed, mutate func(*Options)) *fixture {
	t.Helper()
	key, err := signer.ParsePrivateKey(testKey)
	require.NoError(t, err)
	from, err := signer.AddressFromKey(key)
	require.NoError(t, err)

	client := nodetest.NewFakeClient()
	logger := quietLogger()
	journal := &memJournal{}
	metrics := monitor.NewMetrics(nil)

	opts := Options{
		Feed:      f,
		Submitter: txbuilder.NewBuilder(client, nil, nil, logger),
		Client:    client,
		Target: txbuilder.UpdateConfig{
			Sender:     from,
			PrivateKey: key,
			ChainID:    big.NewInt(3),
			GasLimit:   100000,
			Contract:   common.HexToAddress("0xcc"),
		},
		PollInterval: time.Millisecond,
		Journal:      journal,
		Metrics:      metrics,
	}
	opts.Waiter = confirm.NewWaiter(nil, logger)
	opts.Waiter.Interval = time.Millisecond
	opts.Waiter.Timeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}

	ctrl, err := NewController(opts, logger)
	require.NoError(t, err)
	return &fixture{client: client, journal: journal, metrics: metrics, ctrl: ctrl}
}

// submittedWei 解析已发送交易中的价格参数
func submittedWei(t *testing.T, client *nodetest.FakeClient) []*big.Int {
	t.Helper()
	var out []*big.Int
	for _, raw := range client.RawSent {
		var tx types.Transaction
		require.NoError(t, tx.UnmarshalBinary(raw))
		selector, value, err := calldata.DecodeUint256Call(tx.Data())
		require.NoError(t, err)
		assert.Equal(t, calldata.Selector(calldata.UpdatePriceSignature), selector)
		out = append(out, value)
	}
	return out
}

func wei(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}

func TestController_StrictIncrease(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.0, 0.9, 1.2, 1.2, 1.5}}, nil)

	var results []TickResult
	for i := 1; i <= 5; i++ {
		results = append(results, fx.ctrl.Tick(context.Background(), uint64(i)))
	}

	assert.Equal(t, []TickResult{TickSubmitted, TickSkipped, TickSubmitted, TickSkipped, TickSubmitted}, results)
	assert.Equal(t, []*big.Int{
		wei("1000000000000000000"),
		wei("1200000000000000000"),
		wei("1500000000000000000"),
	}, submittedWei(t, fx.client))

	snap := fx.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	require.NotNil(t, snap.LastSubmitted)
	assert.Equal(t, 1.5, *snap.LastSubmitted)
	assert.Equal(t, uint64(5), snap.Ticks)
	assert.Equal(t, uint64(3), snap.Submissions)
	assert.Equal(t, uint64(2), snap.Skipped)

	require.Len(t, fx.journal.records, 3)
	for _, rec := range fx.journal.records {
		assert.Equal(t, models.OutcomeConfirmed, fx.journal.outcomes[rec.TxHash])
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(fx.metrics.TicksTotal.WithLabelValues("submitted")))
	assert.Equal(t, 1.5, testutil.ToFloat64(fx.metrics.LastSubmittedPrice))
}

func TestController_Resume(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.5, 2.5}}, func(o *Options) {
		last := 2.0
		o.Journal = &memJournal{last: &last}
		o.Resume = true
	})

	assert.Equal(t, TickSkipped, fx.ctrl.Tick(context.Background(), 1))
	assert.Equal(t, TickSubmitted, fx.ctrl.Tick(context.Background(), 2))
	assert.Equal(t, 1, fx.client.Sent())
}

func TestController_FeedError(t *testing.T) {
	f := &seqFeed{
		prices: []float64{1.0},
		errs:   []error{errors.FeedError("价格源返回状态码 503", nil)},
	}
	fx := newFixture(t, f, nil)

	assert.Equal(t, TickError, fx.ctrl.Tick(context.Background(), 1))
	assert.Equal(t, 0, fx.client.Sent())

	snap := fx.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.LastSubmitted)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Contains(t, snap.LastError, "503")
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.ErrorsTotal.WithLabelValues(errors.CodeFeed)))

	// 下一轮继续
	assert.Equal(t, TickSubmitted, fx.ctrl.Tick(context.Background(), 2))
	assert.Empty(t, fx.ctrl.Snapshot().LastError)
}

func TestController_RejectedKeepsLastPrice(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.0}}, nil)

	fx.client.SendErr = stderrors.New("insufficient funds for gas * price + value")
	assert.Equal(t, TickError, fx.ctrl.Tick(context.Background(), 1))
	assert.Nil(t, fx.ctrl.Snapshot().LastSubmitted)
	assert.Empty(t, fx.journal.records)

	// 同一价格在下一轮重新提交
	fx.client.SendErr = nil
	assert.Equal(t, TickSubmitted, fx.ctrl.Tick(context.Background(), 2))
}

func TestController_ConfirmationTimeout(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.0}}, nil)
	fx.client.ReceiptAfter = 0

	assert.Equal(t, TickTimeout, fx.ctrl.Tick(context.Background(), 1))
	require.Len(t, fx.journal.records, 1)
	assert.Equal(t, models.OutcomeTimeout, fx.journal.outcomes[fx.journal.records[0].TxHash])

	// 已被节点接受，相同价格不再提交
	assert.Equal(t, TickSkipped, fx.ctrl.Tick(context.Background(), 2))
	assert.Equal(t, 1, fx.client.Sent())
}

func TestController_Reverted(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.0}}, nil)
	fx.client.ReceiptFail = true

	assert.Equal(t, TickReverted, fx.ctrl.Tick(context.Background(), 1))
	rec := fx.journal.records[0]
	assert.Equal(t, models.OutcomeReverted, fx.journal.outcomes[rec.TxHash])
}

func TestController_ManagedEmptyAccountSet(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.0}}, func(o *Options) {
		o.Target.PrivateKey = nil
	})

	assert.Equal(t, TickError, fx.ctrl.Tick(context.Background(), 1))
	assert.Equal(t, 0, fx.client.Sent())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.ErrorsTotal.WithLabelValues(errors.CodeEmptyAccountSet)))
}

func TestController_SubmitPriceBypassesPolicy(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.0}}, nil)

	_, err := fx.ctrl.SubmitPrice(context.Background(), 2.0)
	require.NoError(t, err)
	rec, err := fx.ctrl.SubmitPrice(context.Background(), 1.0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeConfirmed, rec.Outcome)
	assert.Equal(t, 2, fx.client.Sent())

	_, err = fx.ctrl.SubmitPrice(context.Background(), 0)
	assert.True(t, stderrors.Is(err, errors.ErrEncoding))
}

func TestController_RunStopsOnCancel(t *testing.T) {
	fx := newFixture(t, &seqFeed{prices: []float64{1.0, 2.0, 3.0}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return fx.ctrl.Snapshot().Ticks >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("循环未停止")
	}
}

func TestPriceToWei(t *testing.T) {
	tests := []struct {
		price float64
		want  string
	}{
		{1.0, "1000000000000000000"},
		{0.1, "100000000000000000"},
		{31.25, "31250000000000000000"},
		{1e-19, "1"}, // 向上取整
	}
	for _, tt := range tests {
		got, err := PriceToWei(tt.price)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String())
	}

	_, err := PriceToWei(0)
	assert.Error(t, err)
	_, err = PriceToWei(-1)
	assert.Error(t, err)
}

// cancelOnSubmit 在提交时触发停机，记录提交使用的上下文是否被取消
type cancelOnSubmit struct {
	inner     Submitter
	cancel    context.CancelFunc
	cancelled bool
}

func (s *cancelOnSubmit) Submit(ctx context.Context, cfg *txbuilder.UpdateConfig, data []byte) (*models.Submission, error) {
	s.cancel()
	select {
	case <-ctx.Done():
		s.cancelled = true
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return s.inner.Submit(ctx, cfg, data)
}

func TestController_ShutdownDuringSubmitCompletesTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sub *cancelOnSubmit
	fx := newFixture(t, &seqFeed{prices: []float64{1.0, 2.0}}, func(o *Options) {
		sub = &cancelOnSubmit{inner: o.Submitter, cancel: cancel}
		o.Submitter = sub
	})

	done := make(chan error, 1)
	go func() { done <- fx.ctrl.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("循环未停止")
	}

	assert.False(t, sub.cancelled)
	snap := fx.ctrl.Snapshot()
	assert.Equal(t, uint64(1), snap.Ticks)
	assert.Equal(t, TickSubmitted, snap.LastResult)
	assert.Equal(t, 1, fx.client.Sent())
	require.Len(t, fx.journal.records, 1)
	assert.Equal(t, models.OutcomeConfirmed, fx.journal.outcomes[fx.journal.records[0].TxHash])
}

func TestController_RejectionLogsDiagnostics(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	fx := newFixture(t, &seqFeed{prices: []float64{1.5}}, func(o *Options) {
		o.ErrorHandler = errors.NewErrorHandler(logger)
	})
	fx.client.SetNonce(fx.ctrl.target.Sender, 9)
	fx.client.SendErr = stderrors.New("nonce too low")

	require.Equal(t, TickError, fx.ctrl.Tick(context.Background(), 1))

	var entry map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		if msg, _ := e["msg"].(string); strings.Contains(msg, "nonce too low") {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, 1.5, entry["price"])
	assert.Equal(t, float64(9), entry["nonce"])
	assert.NotEmpty(t, entry["gas_price"])
	assert.Equal(t, float64(1), entry["tick"])
}

func TestController_RevertLogsTxHash(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	fx := newFixture(t, &seqFeed{prices: []float64{1.5}}, func(o *Options) {
		o.ErrorHandler = errors.NewErrorHandler(logger)
	})
	fx.client.ReceiptFail = true

	require.Equal(t, TickReverted, fx.ctrl.Tick(context.Background(), 1))

	out := buf.String()
	assert.Contains(t, out, `"tx_hash":"`+fx.journal.records[0].TxHash.Hex()+`"`)
	assert.Contains(t, out, `"nonce":0`)
	assert.Contains(t, out, `"gas_price":"`)
	assert.Contains(t, out, `"price":1.5`)
}
