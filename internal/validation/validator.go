package validation

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"priceoracle/internal/config"
	"priceoracle/internal/errors"
	"priceoracle/internal/signer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Validator 启动期配置校验器
// 所有错误在进入更新循环之前报告，配置错误和私钥格式错误是致命的
type Validator struct {
	logger *logrus.Logger
	rules  []ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(cfg *config.Config, result *ValidationResult)
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Errors   []*errors.OracleError `json:"errors,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

// addError 记录一个错误
func (r *ValidationResult) addError(err *errors.OracleError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// addWarning 记录一个警告
func (r *ValidationResult) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err 返回第一个错误，没有错误时返回 nil
func (r *ValidationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建配置验证器
func NewValidator(logger *logrus.Logger) *Validator {
	v := &Validator{
		logger: logger,
	}

	v.AddRule(&NodeRule{})
	v.AddRule(&AccountRule{})
	v.AddRule(&ContractRule{})
	v.AddRule(&FeedRule{})
	v.AddRule(&UpdaterRule{})
	v.AddRule(&OutputRule{})

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateConfig 执行所有规则
func (v *Validator) ValidateConfig(cfg *config.Config) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   make([]*errors.OracleError, 0),
		Warnings: make([]string, 0),
	}

	if cfg == nil {
		result.addError(errors.ConfigError("配置为空", nil))
		return result
	}

	for _, rule := range v.rules {
		rule.Validate(cfg, result)
	}

	for _, w := range result.Warnings {
		v.logger.Warnf("配置警告: %s", w)
	}
	for _, e := range result.Errors {
		v.logger.WithField("error_code", e.Code).Errorf("配置错误: %s", e.Message)
	}

	return result
}

// ValidatePrice 校验待提交的价格
func ValidatePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return errors.EncodingError(fmt.Sprintf("价格不是有限数值: %v", price), nil)
	}
	if price <= 0 {
		return errors.EncodingError(fmt.Sprintf("价格必须为正数: %v", price), nil)
	}
	return nil
}

// ParseAddress 解析 0x 前缀的20字节地址
func ParseAddress(field, addr string) (common.Address, error) {
	addr = strings.TrimSpace(addr)
	if !isValidAddress(addr) {
		return common.Address{}, errors.ConfigError(fmt.Sprintf("%s 地址格式无效: %q", field, addr), nil)
	}
	return common.HexToAddress(addr), nil
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return false
	}
	return common.IsHexAddress(addr)
}

// NodeRule 节点配置规则
type NodeRule struct{}

func (r *NodeRule) Name() string        { return "node" }
func (r *NodeRule) Description() string { return "节点地址和传输方式" }

func (r *NodeRule) Validate(cfg *config.Config, result *ValidationResult) {
	if cfg.Node == nil || cfg.Node.URL == "" {
		result.addError(errors.ConfigError("节点地址未配置", nil))
		return
	}

	u, err := url.Parse(cfg.Node.URL)
	if err != nil || u.Host == "" {
		result.addError(errors.ConfigError(fmt.Sprintf("节点地址无效: %s", cfg.Node.URL), err))
		return
	}

	transport := cfg.Node.ResolvedTransport()
	switch transport {
	case "http":
		if u.Scheme != "http" && u.Scheme != "https" {
			result.addError(errors.ConfigError(fmt.Sprintf("http 传输需要 http(s) 地址: %s", cfg.Node.URL), nil))
		}
	case "ws":
		if u.Scheme != "ws" && u.Scheme != "wss" {
			result.addError(errors.ConfigError(fmt.Sprintf("ws 传输需要 ws(s) 地址: %s", cfg.Node.URL), nil))
		}
	default:
		result.addError(errors.ConfigError(fmt.Sprintf("不支持的传输方式: %s", transport), nil))
	}
}

// AccountRule 发送账户规则
type AccountRule struct{}

func (r *AccountRule) Name() string        { return "account" }
func (r *AccountRule) Description() string { return "发送地址和本地私钥" }

func (r *AccountRule) Validate(cfg *config.Config, result *ValidationResult) {
	if cfg.Account == nil {
		result.addError(errors.ConfigError("账户配置缺失", nil))
		return
	}

	var sender common.Address
	hasSender := cfg.Account.Sender != ""
	if hasSender {
		addr, err := ParseAddress("sender", cfg.Account.Sender)
		if err != nil {
			oe, _ := errors.AsOracleError(err)
			result.addError(oe)
			return
		}
		sender = addr
	}

	if !cfg.Account.UsesLocalSigning() {
		result.addWarning("未配置私钥，将使用节点托管账户签名")
		return
	}

	key, err := signer.ParsePrivateKey(cfg.Account.PrivateKey)
	if err != nil {
		oe, _ := errors.AsOracleError(err)
		result.addError(oe)
		return
	}

	derived, err := signer.AddressFromKey(key)
	if err != nil {
		oe, _ := errors.AsOracleError(err)
		result.addError(oe)
		return
	}

	if !hasSender {
		result.addError(errors.ConfigError("本地签名需要配置发送地址", nil))
		return
	}
	if derived != sender {
		result.addError(errors.ConfigError(fmt.Sprintf("私钥对应地址 %s 与发送地址 %s 不一致", derived.Hex(), sender.Hex()), nil))
	}
}

// ContractRule 合约规则
type ContractRule struct{}

func (r *ContractRule) Name() string        { return "contract" }
func (r *ContractRule) Description() string { return "合约地址和ABI路径" }

func (r *ContractRule) Validate(cfg *config.Config, result *ValidationResult) {
	if cfg.Contract == nil {
		result.addError(errors.ConfigError("合约配置缺失", nil))
		return
	}
	if cfg.Contract.Address == "" {
		result.addWarning("未配置合约地址，只能执行 deploy")
	} else if _, err := ParseAddress("contract", cfg.Contract.Address); err != nil {
		oe, _ := errors.AsOracleError(err)
		result.addError(oe)
	}
	if cfg.Contract.ABIPath == "" {
		result.addError(errors.ConfigError("合约ABI路径未配置", nil))
	}
}

// FeedRule 价格源规则
type FeedRule struct{}

func (r *FeedRule) Name() string        { return "feed" }
func (r *FeedRule) Description() string { return "价格源地址" }

func (r *FeedRule) Validate(cfg *config.Config, result *ValidationResult) {
	if cfg.Feed == nil || cfg.Feed.Endpoint == "" {
		result.addError(errors.ConfigError("价格源地址未配置", nil))
		return
	}
	if u, err := url.Parse(cfg.Feed.Endpoint); err != nil || u.Host == "" {
		result.addError(errors.ConfigError(fmt.Sprintf("价格源地址无效: %s", cfg.Feed.Endpoint), err))
	}
	if cfg.Feed.APIKey == "" {
		result.addWarning("未配置价格源 API key")
	}
	if cfg.Feed.Symbol == "" || cfg.Feed.Quote == "" {
		result.addError(errors.ConfigError("价格源交易对未配置", nil))
	}
}

// UpdaterRule 更新循环规则
type UpdaterRule struct{}

func (r *UpdaterRule) Name() string        { return "updater" }
func (r *UpdaterRule) Description() string { return "链ID、gas limit、轮询和确认参数" }

func (r *UpdaterRule) Validate(cfg *config.Config, result *ValidationResult) {
	u := cfg.Updater
	if u == nil {
		result.addError(errors.ConfigError("更新循环配置缺失", nil))
		return
	}
	if u.ChainID <= 0 {
		result.addError(errors.ConfigError(fmt.Sprintf("链ID必须为正数: %d", u.ChainID), nil))
	}
	if u.GasLimit == 0 {
		result.addError(errors.ConfigError("gas limit 必须大于0", nil))
	}
	if u.PollInterval <= 0 {
		result.addError(errors.ConfigError("轮询间隔必须大于0", nil))
	}
	if u.ConfirmTimeout <= 0 || u.ConfirmInterval <= 0 {
		result.addError(errors.ConfigError("确认超时和确认轮询间隔必须大于0", nil))
	}
	if u.Confirmations < 1 {
		result.addError(errors.ConfigError(fmt.Sprintf("确认数至少为1: %d", u.Confirmations), nil))
	}
	if u.ConfirmTimeout > 0 && u.ConfirmTimeout <= u.ConfirmInterval {
		result.addWarning("确认超时 %v 不大于轮询间隔 %v，只会查询一次回执", u.ConfirmTimeout, u.ConfirmInterval)
	}
}

// OutputRule 输出规则
type OutputRule struct{}

func (r *OutputRule) Name() string        { return "output" }
func (r *OutputRule) Description() string { return "输出方式" }

func (r *OutputRule) Validate(cfg *config.Config, result *ValidationResult) {
	if cfg.Output == nil {
		return
	}
	switch cfg.Output.Format {
	case "", "none", "file":
	case "kafka":
		if cfg.Output.Kafka == nil || len(cfg.Output.Kafka.Brokers) == 0 {
			result.addError(errors.ConfigError("kafka 输出需要配置 brokers", nil))
		}
	default:
		result.addError(errors.ConfigError(fmt.Sprintf("不支持的输出格式: %s", cfg.Output.Format), nil))
	}

	if cfg.Nonce != nil && cfg.Nonce.LockBackend == "redis" && cfg.Nonce.RedisAddr == "" {
		result.addError(errors.ConfigError("redis nonce 锁需要配置 redis_addr", nil))
	}
}
