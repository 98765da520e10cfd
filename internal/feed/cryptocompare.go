// Package feed 从外部价格源获取报价
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"priceoracle/internal/config"
	"priceoracle/internal/errors"
	"priceoracle/internal/retry"
	"priceoracle/pkg/models"

	"github.com/sirupsen/logrus"
)

// Fetcher 价格源
type Fetcher interface {
	FetchPrice(ctx context.Context) (*models.PriceQuote, error)
}

// CryptoCompare min-api 报价，GET {endpoint}/data/price?fsym=BTC&tsyms=ETH&api_key=...
type CryptoCompare struct {
	endpoint string
	apiKey   string
	symbol   string
	quote    string
	client   *http.Client
	retrier  *retry.Retrier
	logger   *logrus.Logger
}

// NewCryptoCompare 创建价格源
func NewCryptoCompare(cfg *config.FeedConfig, logger *logrus.Logger) *CryptoCompare {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	symbol, quote := cfg.Symbol, cfg.Quote
	if symbol == "" {
		symbol = "BTC"
	}
	if quote == "" {
		quote = "ETH"
	}

	return &CryptoCompare{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		symbol:   symbol,
		quote:    quote,
		client:   &http.Client{Timeout: timeout},
		retrier:  retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:   logger,
	}
}

// URL 请求地址，不含 api_key 的版本用于日志
func (c *CryptoCompare) URL(withKey bool) string {
	q := url.Values{}
	q.Set("fsym", c.symbol)
	q.Set("tsyms", c.quote)
	if withKey {
		q.Set("api_key", c.apiKey)
	}
	return c.endpoint + "/data/price?" + q.Encode()
}

// FetchPrice 获取一个报价，网络错误按网络重试策略重试
func (c *CryptoCompare) FetchPrice(ctx context.Context) (*models.PriceQuote, error) {
	rate, err := retry.Do(ctx, c.retrier, "feed.fetch", func() (float64, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"component": "feed",
		"pair":      c.symbol + "/" + c.quote,
		"rate":      rate,
	}).Debug("获取报价成功")

	return &models.PriceQuote{
		Rate:      rate,
		Source:    c.URL(false),
		FetchedAt: time.Now(),
	}, nil
}

func (c *CryptoCompare) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(true), nil)
	if err != nil {
		return 0, errors.FeedError("创建请求失败", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.FeedError("请求价格源失败", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, errors.FeedError("读取响应失败", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		feedErr := errors.FeedError(fmt.Sprintf("价格源返回状态码 %d", resp.StatusCode), nil)
		// 客户端错误重试无意义
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			feedErr.Retryable = false
		}
		return 0, feedErr
	}

	return parseRate(body, c.quote)
}

// parseRate 解析 {"ETH": 31.25}，出错时价格源返回 {"Response":"Error","Message":"..."}
func parseRate(body []byte, quote string) (float64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return 0, nonRetryable(errors.FeedError("响应不是有效的JSON", err))
	}

	raw, ok := fields[quote]
	if !ok {
		var apiErr struct {
			Response string `json:"Response"`
			Message  string `json:"Message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return 0, nonRetryable(errors.FeedError(fmt.Sprintf("价格源返回错误: %s", apiErr.Message), nil))
		}
		return 0, nonRetryable(errors.FeedError(fmt.Sprintf("响应缺少 %s 字段", quote), nil))
	}

	var rate float64
	if err := json.Unmarshal(raw, &rate); err != nil {
		return 0, nonRetryable(errors.FeedError(fmt.Sprintf("%s 字段不是数字", quote), err))
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return 0, nonRetryable(errors.FeedError(fmt.Sprintf("报价无效: %v", rate), nil))
	}
	return rate, nil
}

func nonRetryable(err *errors.OracleError) *errors.OracleError {
	err.Retryable = false
	return err
}
