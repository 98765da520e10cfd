package models

import (
	"github.com/ethereum/go-ethereum/common"
)

// 回执状态
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Receipt 交易回执
type Receipt struct {
	TxHash          common.Hash     `json:"transaction_hash"`
	ContractAddress *common.Address `json:"contract_address,omitempty"`
	Status          uint64          `json:"status"`
	BlockNumber     uint64          `json:"block_number"`
	GasUsed         uint64          `json:"gas_used"`
}

// Succeeded 交易是否执行成功
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptStatusSuccessful
}
