package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"priceoracle/internal/logging"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 ORACLE_NODE_URL 覆盖 node.url
const EnvPrefix = "ORACLE"

// DBDSNEnv 设置后从数据库加载配置覆盖项
const DBDSNEnv = "ORACLE_DB_DSN"

// Config 主配置
type Config struct {
	Node     *NodeConfig        `mapstructure:"node"`
	Account  *AccountConfig     `mapstructure:"account"`
	Contract *ContractConfig    `mapstructure:"contract"`
	Feed     *FeedConfig        `mapstructure:"feed"`
	Updater  *UpdaterConfig     `mapstructure:"updater"`
	Nonce    *NonceConfig       `mapstructure:"nonce"`
	Journal  *JournalConfig     `mapstructure:"journal"`
	Output   *OutputConfig      `mapstructure:"output"`
	API      *APIConfig         `mapstructure:"api"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	URL             string        `mapstructure:"url"`
	Transport       string        `mapstructure:"transport"` // http, ws；为空时按URL协议判断
	Timeout         time.Duration `mapstructure:"timeout"`
	LogPollInterval time.Duration `mapstructure:"log_poll_interval"` // http 传输下模拟日志订阅的轮询间隔
	RetryLimit      int           `mapstructure:"retry_limit"`       // 只读调用的重试次数
}

// AccountConfig 发送账户配置
// PrivateKey 为空时走节点托管账户路径
type AccountConfig struct {
	Sender     string `mapstructure:"sender"`
	PrivateKey string `mapstructure:"private_key"`
}

// ContractConfig 合约配置
type ContractConfig struct {
	Address      string `mapstructure:"address"`
	ABIPath      string `mapstructure:"abi_path"`
	BytecodePath string `mapstructure:"bytecode_path"`
}

// FeedConfig 价格源配置
type FeedConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Symbol   string        `mapstructure:"symbol"`
	Quote    string        `mapstructure:"quote"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// UpdaterConfig 更新循环配置
type UpdaterConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ChainID         int64         `mapstructure:"chain_id"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	ConfirmInterval time.Duration `mapstructure:"confirm_interval"`
	Confirmations   int           `mapstructure:"confirmations"`
	Resume          bool          `mapstructure:"resume"`    // 启动时从提交日志恢复上次提交的价格
	NewPrice        float64       `mapstructure:"new_price"` // updateprice 命令的默认价格
}

// NonceConfig nonce 管理配置
type NonceConfig struct {
	LockBackend   string        `mapstructure:"lock_backend"` // memory, redis
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

// JournalConfig 提交日志配置
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // none, file, kafka
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// APIConfig 状态接口配置
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LoadConfig 加载配置
// 顺序：默认值 → YAML文件 → .env / ORACLE_* 环境变量 → 数据库覆盖项（ORACLE_DB_DSN）
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if dsn := os.Getenv(DBDSNEnv); dsn != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		overrides, err := dbConfig.LoadOverrides()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		for key, value := range overrides {
			v.Set(key, value)
		}
		logger.Infof("已从数据库加载 %d 个配置覆盖项", len(overrides))
	}

	return unmarshal(v)
}

// LoadConfigFromFile 只从文件和默认值加载配置，不读取数据库
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return unmarshal(v)
}

// newViper 创建带默认值和环境变量绑定的 viper 实例
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return &config, nil
}

// setDefaults 注册所有配置键的默认值
// AutomaticEnv 只对已知键生效，所以每个键都需要在这里出现
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("node.url", d.Node.URL)
	v.SetDefault("node.transport", d.Node.Transport)
	v.SetDefault("node.timeout", d.Node.Timeout)
	v.SetDefault("node.log_poll_interval", d.Node.LogPollInterval)
	v.SetDefault("node.retry_limit", d.Node.RetryLimit)

	v.SetDefault("account.sender", d.Account.Sender)
	v.SetDefault("account.private_key", d.Account.PrivateKey)

	v.SetDefault("contract.address", d.Contract.Address)
	v.SetDefault("contract.abi_path", d.Contract.ABIPath)
	v.SetDefault("contract.bytecode_path", d.Contract.BytecodePath)

	v.SetDefault("feed.endpoint", d.Feed.Endpoint)
	v.SetDefault("feed.api_key", d.Feed.APIKey)
	v.SetDefault("feed.symbol", d.Feed.Symbol)
	v.SetDefault("feed.quote", d.Feed.Quote)
	v.SetDefault("feed.timeout", d.Feed.Timeout)

	v.SetDefault("updater.poll_interval", d.Updater.PollInterval)
	v.SetDefault("updater.chain_id", d.Updater.ChainID)
	v.SetDefault("updater.gas_limit", d.Updater.GasLimit)
	v.SetDefault("updater.confirm_timeout", d.Updater.ConfirmTimeout)
	v.SetDefault("updater.confirm_interval", d.Updater.ConfirmInterval)
	v.SetDefault("updater.confirmations", d.Updater.Confirmations)
	v.SetDefault("updater.resume", d.Updater.Resume)
	v.SetDefault("updater.new_price", d.Updater.NewPrice)

	v.SetDefault("nonce.lock_backend", d.Nonce.LockBackend)
	v.SetDefault("nonce.redis_addr", d.Nonce.RedisAddr)
	v.SetDefault("nonce.redis_password", d.Nonce.RedisPassword)
	v.SetDefault("nonce.redis_db", d.Nonce.RedisDB)
	v.SetDefault("nonce.lock_ttl", d.Nonce.LockTTL)

	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.kafka.brokers", d.Output.Kafka.Brokers)
	v.SetDefault("output.kafka.topics", d.Output.Kafka.Topics)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.bind", d.API.Bind)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Node: &NodeConfig{
			URL:             "http://127.0.0.1:8545",
			Transport:       "",
			Timeout:         10 * time.Second,
			LogPollInterval: 2 * time.Second,
			RetryLimit:      3,
		},
		Account: &AccountConfig{},
		Contract: &ContractConfig{
			ABIPath:      "contracts/PriceOracle.abi",
			BytecodePath: "contracts/PriceOracle.bin",
		},
		Feed: &FeedConfig{
			Endpoint: "https://min-api.cryptocompare.com",
			Symbol:   "BTC",
			Quote:    "ETH",
			Timeout:  10 * time.Second,
		},
		Updater: &UpdaterConfig{
			PollInterval:    time.Minute,
			ChainID:         3,
			GasLimit:        100000,
			ConfirmTimeout:  time.Second,
			ConfirmInterval: 250 * time.Millisecond,
			Confirmations:   1,
			Resume:          false,
		},
		Nonce: &NonceConfig{
			LockBackend: "memory",
			RedisAddr:   "localhost:6379",
			LockTTL:     30 * time.Second,
		},
		Journal: &JournalConfig{
			Path: "./data/submissions.db",
		},
		Output: &OutputConfig{
			Format:    "file",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"submissions": "oracle_submissions",
					"events":      "oracle_price_events",
				},
			},
		},
		API: &APIConfig{
			Enabled: false,
			Bind:    ":8080",
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ResolvedTransport 返回实际使用的传输方式
func (n *NodeConfig) ResolvedTransport() string {
	if n.Transport != "" {
		return strings.ToLower(n.Transport)
	}
	if strings.HasPrefix(n.URL, "ws://") || strings.HasPrefix(n.URL, "wss://") {
		return "ws"
	}
	return "http"
}

// UsesLocalSigning 是否配置了本地签名私钥
func (a *AccountConfig) UsesLocalSigning() bool {
	return strings.TrimSpace(a.PrivateKey) != ""
}
