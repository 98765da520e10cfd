package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceEvent 合约 PriceChanged(uint256) 事件
type PriceEvent struct {
	Contract    common.Address `json:"contract"`
	Price       *big.Int       `json:"price"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Removed     bool           `json:"removed"` // 链重组导致的撤销
	ReceivedAt  time.Time      `json:"received_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *PriceEvent) ToKafkaMessage() map[string]interface{} {
	price := ""
	if e.Price != nil {
		price = e.Price.String()
	}
	return map[string]interface{}{
		"type":         "price_changed",
		"contract":     e.Contract.Hex(),
		"price":        price,
		"block_number": e.BlockNumber,
		"tx_hash":      e.TxHash.Hex(),
		"log_index":    e.LogIndex,
		"removed":      e.Removed,
		"received_at":  e.ReceivedAt.Unix(),
	}
}

// EventPosition 日志在链上的位置，同一区块内按 LogIndex 排序
type EventPosition struct {
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint   `json:"log_index"`
}

// After p 是否位于 o 之后
func (p EventPosition) After(o EventPosition) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber > o.BlockNumber
	}
	return p.LogIndex > o.LogIndex
}

// Position 事件位置
func (e *PriceEvent) Position() EventPosition {
	return EventPosition{BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}
