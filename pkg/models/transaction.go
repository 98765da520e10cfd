package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UnsignedTransaction 待签名交易
// 每次提交新建，构建完成后不再修改
type UnsignedTransaction struct {
	To       *common.Address `json:"to"` // nil 表示合约创建
	Value    *big.Int        `json:"value"`
	GasLimit *big.Int        `json:"gas_limit"`
	GasPrice *big.Int        `json:"gas_price"`
	Data     []byte          `json:"data"`
	Nonce    *big.Int        `json:"nonce"`
}

// IsContractCreation 是否为合约创建交易
func (t *UnsignedTransaction) IsContractCreation() bool {
	return t.To == nil
}

// SignedTransaction 已签名交易，只能提交一次
type SignedTransaction struct {
	Unsigned *UnsignedTransaction `json:"unsigned"`
	R        *big.Int             `json:"r"`
	S        *big.Int             `json:"s"`
	V        *big.Int             `json:"v"`
	Raw      []byte               `json:"-"` // 最终的线上字节
	Hash     common.Hash          `json:"hash"`
	From     common.Address       `json:"from"`
}

// PrivateKey 32字节私钥，String 永远不会输出内容
type PrivateKey []byte

// String 防止私钥进入日志
func (k PrivateKey) String() string {
	if len(k) == 0 {
		return "<empty>"
	}
	return "<redacted>"
}

// GoString 同 String
func (k PrivateKey) GoString() string {
	return k.String()
}

// IsSet 是否配置了本地私钥
func (k PrivateKey) IsSet() bool {
	return len(k) > 0
}

// CallRequest 节点托管账户路径下发给节点的交易参数 (eth_sendTransaction)
type CallRequest struct {
	From     common.Address
	To       *common.Address
	Gas      *big.Int
	GasPrice *big.Int
	Value    *big.Int
	Data     []byte
}
