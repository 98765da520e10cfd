package confirm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"priceoracle/internal/config"
	oerrors "priceoracle/internal/errors"
	"priceoracle/internal/node/nodetest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var txHash = common.HexToHash("0x01")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestNewWaiter_Defaults(t *testing.T) {
	w := NewWaiter(nil, quietLogger())
	assert.Equal(t, time.Second, w.Timeout)
	assert.Equal(t, 250*time.Millisecond, w.Interval)
	assert.Equal(t, 1, w.Confirmations)

	w = NewWaiter(&config.UpdaterConfig{ConfirmTimeout: 5 * time.Second, Confirmations: 3}, quietLogger())
	assert.Equal(t, 5*time.Second, w.Timeout)
	assert.Equal(t, 250*time.Millisecond, w.Interval)
	assert.Equal(t, 3, w.Confirmations)
}

func TestWait_ReceiptOnThirdPoll(t *testing.T) {
	client := nodetest.NewFakeClient()
	client.ReceiptAfter = 3
	w := &Waiter{Interval: 10 * time.Millisecond, Timeout: time.Second, Confirmations: 1, logger: quietLogger()}

	receipt, err := w.Wait(context.Background(), client, txHash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, 3, client.ReceiptPolls(txHash))
}

func TestWait_FirstPollImmediate(t *testing.T) {
	client := nodetest.NewFakeClient()
	w := &Waiter{Interval: time.Hour, Timeout: 2 * time.Hour, Confirmations: 1, logger: quietLogger()}

	start := time.Now()
	_, err := w.Wait(context.Background(), client, txHash)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_Timeout(t *testing.T) {
	client := nodetest.NewFakeClient()
	client.ReceiptAfter = 0
	w := &Waiter{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond, Confirmations: 1, logger: quietLogger()}

	start := time.Now()
	receipt, err := w.Wait(context.Background(), client, txHash)
	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.True(t, errors.Is(err, oerrors.ErrSubmissionTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// t = 0, 10, 20, 30, 40
	assert.Equal(t, 5, client.ReceiptPolls(txHash))

	oe, ok := oerrors.AsOracleError(err)
	require.True(t, ok)
	require.NotNil(t, oe.TxHash)
	assert.Equal(t, txHash.Hex(), *oe.TxHash)
}

func TestWait_FailedReceiptReturned(t *testing.T) {
	client := nodetest.NewFakeClient()
	client.ReceiptFail = true
	w := &Waiter{Interval: 10 * time.Millisecond, Timeout: time.Second, Confirmations: 1, logger: quietLogger()}

	receipt, err := w.Wait(context.Background(), client, txHash)
	require.NoError(t, err)
	assert.False(t, receipt.Succeeded())
}

func TestWait_MultipleConfirmations(t *testing.T) {
	client := nodetest.NewFakeClient()
	client.HeadStep = 1
	w := &Waiter{Interval: 5 * time.Millisecond, Timeout: time.Second, Confirmations: 3, logger: quietLogger()}

	receipt, err := w.Wait(context.Background(), client, txHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), receipt.BlockNumber)

	// 高度 100、101 不够，102 满足
	assert.Equal(t, 3, client.ReceiptPolls(txHash))
	assert.Equal(t, 3, client.CallCount("eth_blockNumber"))
}

func TestWait_Cancelled(t *testing.T) {
	client := nodetest.NewFakeClient()
	client.ReceiptAfter = 0
	w := &Waiter{Interval: 10 * time.Millisecond, Timeout: time.Minute, Confirmations: 1, logger: quietLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := w.Wait(ctx, client, txHash)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
