package updater

import (
	"math/big"
	"time"

	"priceoracle/internal/errors"

	"github.com/shopspring/decimal"
)

// State 控制器状态
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateDeciding   State = "deciding"
	StateSubmitting State = "submitting"
	StateConfirming State = "confirming"
	StateError      State = "error"
)

// TickResult 单轮结果
type TickResult string

const (
	TickSubmitted TickResult = "submitted" // 已提交并确认
	TickTimeout   TickResult = "timeout"   // 已提交，确认超时
	TickReverted  TickResult = "reverted"
	TickSkipped   TickResult = "skipped" // 价格未上涨
	TickError     TickResult = "error"
)

// Snapshot 控制器状态快照，供状态接口读取
type Snapshot struct {
	State         State      `json:"state"`
	LastSubmitted *float64   `json:"last_submitted_price"` // nil 表示尚未提交
	LastFeedPrice float64    `json:"last_feed_price"`
	LastTxHash    string     `json:"last_tx_hash,omitempty"`
	LastResult    TickResult `json:"last_result,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastTickAt    time.Time  `json:"last_tick_at"`
	Ticks         uint64     `json:"ticks"`
	Submissions   uint64     `json:"submissions"`
	Skipped       uint64     `json:"skipped"`
	Errors        uint64     `json:"errors"`
}

var weiPerUnit = decimal.New(1, 18)

// PriceToWei 价格按 18 位小数换算，向上取整
func PriceToWei(price float64) (*big.Int, error) {
	d := decimal.NewFromFloat(price)
	if !d.IsPositive() {
		return nil, errors.EncodingError("价格必须为正数", nil)
	}
	return d.Mul(weiPerUnit).Ceil().BigInt(), nil
}
