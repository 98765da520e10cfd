package calldata

import (
	"fmt"
	"math/big"

	"priceoracle/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// UpdatePriceSignature 合约更新价格方法签名
	UpdatePriceSignature = "updatePrice(uint256)"
	// PriceChangedSignature 价格变更事件签名
	PriceChangedSignature = "PriceChanged(uint256)"

	// SelectorLength 方法选择器字节数
	SelectorLength = 4
	// WordLength ABI 槽位字节数
	WordLength = 32
)

// Selector 方法选择器：签名 Keccak-256 的前4字节
func Selector(signature string) [SelectorLength]byte {
	var sel [SelectorLength]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:SelectorLength])
	return sel
}

// Topic 事件主题：签名的完整 Keccak-256
func Topic(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// EncodeUint256 把整数编码为32字节大端左补零槽位
// 负数或超过256位时返回编码错误，不做截断
func EncodeUint256(value *big.Int) ([WordLength]byte, error) {
	var word [WordLength]byte
	if value == nil {
		return word, errors.EncodingError("参数为空", nil)
	}
	if value.Sign() < 0 {
		return word, errors.EncodingError(fmt.Sprintf("参数为负数: %s", value), nil)
	}

	v, overflow := uint256.FromBig(value)
	if overflow {
		return word, errors.EncodingError(fmt.Sprintf("参数超过256位: %d 位", value.BitLen()), nil)
	}

	return v.Bytes32(), nil
}

// EncodeUint256Call 编码单个 uint256 参数的调用数据：selector ‖ word
func EncodeUint256Call(signature string, value *big.Int) ([]byte, error) {
	word, err := EncodeUint256(value)
	if err != nil {
		return nil, err
	}

	sel := Selector(signature)
	data := make([]byte, 0, SelectorLength+WordLength)
	data = append(data, sel[:]...)
	data = append(data, word[:]...)
	return data, nil
}

// DecodeUint256 解码一个32字节槽位
func DecodeUint256(word []byte) (*big.Int, error) {
	if len(word) != WordLength {
		return nil, errors.EncodingError(fmt.Sprintf("槽位长度错误: %d", len(word)), nil)
	}
	return new(big.Int).SetBytes(word), nil
}

// DecodeUint256Call 解码调用数据为 (selector, 参数)
func DecodeUint256Call(data []byte) ([SelectorLength]byte, *big.Int, error) {
	var sel [SelectorLength]byte
	if len(data) != SelectorLength+WordLength {
		return sel, nil, errors.EncodingError(fmt.Sprintf("调用数据长度错误: %d", len(data)), nil)
	}

	copy(sel[:], data[:SelectorLength])
	value, err := DecodeUint256(data[SelectorLength:])
	if err != nil {
		return sel, nil, err
	}
	return sel, value, nil
}
