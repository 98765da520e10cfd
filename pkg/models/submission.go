package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SubmissionPath 提交路径
type SubmissionPath string

const (
	PathLocalSigning SubmissionPath = "local"   // 本地私钥签名
	PathNodeManaged  SubmissionPath = "managed" // 节点托管账户签名
)

// Outcome 提交结果
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeTimeout   Outcome = "timeout" // 超时未确认，结果未知
	OutcomeRejected  Outcome = "rejected"
)

// Submission 一次已被节点接受的交易提交
type Submission struct {
	Path        SubmissionPath  `json:"path"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to,omitempty"`
	TxHash      common.Hash     `json:"tx_hash"`
	Nonce       uint64          `json:"nonce"`
	GasPrice    *big.Int        `json:"gas_price"`
	GasLimit    uint64          `json:"gas_limit"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// SubmissionRecord 提交日志记录
type SubmissionRecord struct {
	Submission
	Price       float64   `json:"price"`
	PriceWei    string    `json:"price_wei"`
	Outcome     Outcome   `json:"outcome"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *SubmissionRecord) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"type":         "submission",
		"path":         string(r.Path),
		"from":         r.From.Hex(),
		"tx_hash":      r.TxHash.Hex(),
		"nonce":        r.Nonce,
		"gas_limit":    r.GasLimit,
		"price":        r.Price,
		"price_wei":    r.PriceWei,
		"outcome":      string(r.Outcome),
		"block_number": r.BlockNumber,
		"submitted_at": r.SubmittedAt.Unix(),
		"updated_at":   r.UpdatedAt.Unix(),
	}
	if r.GasPrice != nil {
		msg["gas_price"] = r.GasPrice.String()
	}
	if r.Error != "" {
		msg["error"] = r.Error
	}
	return msg
}

// PriceQuote 价格源报价，不持久化
type PriceQuote struct {
	Rate      float64   `json:"rate"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}
