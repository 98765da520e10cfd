package calldata

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"priceoracle/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	updatePriceMethod = "updatePrice"
	priceChangedEvent = "PriceChanged"
)

// ContractABI 已校验的价格合约 ABI
type ContractABI struct {
	abi           abi.ABI
	HasPriceEvent bool
}

// ParseContractABI 解析并校验合约 ABI
// 必须声明 updatePrice(uint256)；PriceChanged(uint256) 事件可选
func ParseContractABI(abiJSON []byte) (*ContractABI, error) {
	if len(bytes.TrimSpace(abiJSON)) == 0 {
		return nil, errors.ConfigError("合约ABI为空", nil)
	}

	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, errors.ConfigError("解析合约ABI失败", err)
	}

	method, ok := parsed.Methods[updatePriceMethod]
	if !ok {
		return nil, errors.ConfigError(fmt.Sprintf("合约ABI缺少方法 %s", UpdatePriceSignature), nil)
	}
	if method.Sig != UpdatePriceSignature {
		return nil, errors.ConfigError(fmt.Sprintf("方法签名不匹配: 期望 %s, 实际 %s", UpdatePriceSignature, method.Sig), nil)
	}

	contract := &ContractABI{abi: parsed}
	if event, ok := parsed.Events[priceChangedEvent]; ok && event.Sig == PriceChangedSignature {
		contract.HasPriceEvent = true
	}

	return contract, nil
}

// Pack 使用 ABI 打包 updatePrice 调用，结果与 EncodeUint256Call 一致
func (c *ContractABI) Pack(value *big.Int) ([]byte, error) {
	data, err := c.abi.Pack(updatePriceMethod, value)
	if err != nil {
		return nil, errors.EncodingError("ABI打包失败", err)
	}
	return data, nil
}

// MethodID 返回 ABI 中 updatePrice 的方法ID
func (c *ContractABI) MethodID() []byte {
	return c.abi.Methods[updatePriceMethod].ID
}

// EventID 返回 PriceChanged 事件主题，未声明时返回零值
func (c *ContractABI) EventID() common.Hash {
	if !c.HasPriceEvent {
		return common.Hash{}
	}
	return c.abi.Events[priceChangedEvent].ID
}

// DecodedCall 调用数据解码结果
type DecodedCall struct {
	Selector string   `json:"selector"`
	Method   string   `json:"method"`
	Value    *big.Int `json:"value,omitempty"`
}

// Decoder 调用数据解码器，用于日志描述
type Decoder struct {
	contract *ContractABI
	known    map[string]string
}

// NewDecoder 创建解码器，contract 可以为空
func NewDecoder(contract *ContractABI) *Decoder {
	d := &Decoder{
		contract: contract,
		known:    make(map[string]string),
	}

	sel := Selector(UpdatePriceSignature)
	d.known[hex.EncodeToString(sel[:])] = UpdatePriceSignature

	if contract != nil {
		for _, m := range contract.abi.Methods {
			d.known[hex.EncodeToString(m.ID)] = m.Sig
		}
	}

	return d
}

// Describe 识别调用的方法并尽量解码参数
// 合约创建或空数据返回 false
func (d *Decoder) Describe(data []byte) (*DecodedCall, bool) {
	if len(data) < SelectorLength {
		return nil, false
	}

	selector := hex.EncodeToString(data[:SelectorLength])
	call := &DecodedCall{
		Selector: "0x" + selector,
		Method:   "unknown",
	}

	name, ok := d.known[selector]
	if !ok {
		return call, true
	}
	call.Method = name

	if strings.HasSuffix(name, "(uint256)") && len(data) == SelectorLength+WordLength {
		if _, value, err := DecodeUint256Call(data); err == nil {
			call.Value = value
		}
	}

	return call, true
}
