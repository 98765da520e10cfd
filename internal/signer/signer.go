package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"priceoracle/internal/errors"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// KeyLength 私钥字节数
const KeyLength = 32

// ParsePrivateKey 解析十六进制私钥，允许 0x 前缀
func ParsePrivateKey(s string) (models.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}

	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.KeyFormatError("私钥不是有效的十六进制", nil)
	}
	key := models.PrivateKey(raw)
	if _, err := toECDSA(key); err != nil {
		return nil, err
	}
	return key, nil
}

// AddressFromKey 由私钥推导发送地址
func AddressFromKey(key models.PrivateKey) (common.Address, error) {
	priv, err := toECDSA(key)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(priv.PublicKey), nil
}

// toECDSA 校验长度并转换为 secp256k1 私钥
// 错误中不包含私钥内容
func toECDSA(key models.PrivateKey) (*ecdsa.PrivateKey, error) {
	if len(key) != KeyLength {
		return nil, errors.KeyFormatError(fmt.Sprintf("私钥长度必须为 %d 字节, 实际 %d 字节", KeyLength, len(key)), nil)
	}
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, errors.KeyFormatError("私钥不是有效的 secp256k1 标量", nil)
	}
	return priv, nil
}

// Sign 使用 EIP-155 重放保护签名交易
// v = recovery_id + chainId*2 + 35
func Sign(tx *models.UnsignedTransaction, key models.PrivateKey, chainID *big.Int) (*models.SignedTransaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.SigningError("链ID必须为正数", nil)
	}

	priv, err := toECDSA(key)
	if err != nil {
		return nil, err
	}

	legacy, err := toLegacyTx(tx)
	if err != nil {
		return nil, err
	}

	signed, err := types.SignTx(types.NewTx(legacy), types.NewEIP155Signer(chainID), priv)
	if err != nil {
		return nil, errors.SigningError("交易签名失败", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.SigningError("交易序列化失败", err)
	}

	v, r, s := signed.RawSignatureValues()
	return &models.SignedTransaction{
		Unsigned: tx,
		R:        r,
		S:        s,
		V:        v,
		Raw:      raw,
		Hash:     signed.Hash(),
		From:     crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// Recover 从已签名交易恢复发送地址
func Recover(signed *models.SignedTransaction, chainID *big.Int) (common.Address, error) {
	if signed == nil || len(signed.Raw) == 0 {
		return common.Address{}, errors.SigningError("已签名交易为空", nil)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return common.Address{}, errors.SigningError("链ID必须为正数", nil)
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return common.Address{}, errors.SigningError("解析已签名交易失败", err)
	}

	from, err := types.Sender(types.NewEIP155Signer(chainID), &tx)
	if err != nil {
		return common.Address{}, errors.SigningError("恢复发送地址失败", err)
	}
	return from, nil
}

// toLegacyTx 校验字段范围并转换为 go-ethereum 交易
func toLegacyTx(tx *models.UnsignedTransaction) (*types.LegacyTx, error) {
	if tx == nil {
		return nil, errors.SigningError("待签名交易为空", nil)
	}
	if tx.Nonce == nil || !tx.Nonce.IsUint64() {
		return nil, errors.SigningError("nonce 缺失或超出范围", nil)
	}
	if tx.GasLimit == nil || !tx.GasLimit.IsUint64() {
		return nil, errors.SigningError("gas limit 缺失或超出范围", nil)
	}
	if tx.GasPrice == nil {
		return nil, errors.SigningError("gas price 缺失", nil)
	}

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	for name, v := range map[string]*big.Int{"gas price": tx.GasPrice, "value": value} {
		if v.Sign() < 0 {
			return nil, errors.SigningError(fmt.Sprintf("%s 不能为负数", name), nil)
		}
		if _, overflow := uint256.FromBig(v); overflow {
			return nil, errors.SigningError(fmt.Sprintf("%s 超过256位", name), nil)
		}
	}

	var to *common.Address
	if tx.To != nil {
		addr := *tx.To
		to = &addr
	}

	return &types.LegacyTx{
		Nonce:    tx.Nonce.Uint64(),
		GasPrice: new(big.Int).Set(tx.GasPrice),
		Gas:      tx.GasLimit.Uint64(),
		To:       to,
		Value:    new(big.Int).Set(value),
		Data:     common.CopyBytes(tx.Data),
	}, nil
}
