package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"priceoracle/internal/errors"
	"priceoracle/internal/journal"
	"priceoracle/internal/monitor"
	"priceoracle/internal/updater"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

type fakeStatus struct {
	snap updater.Snapshot
}

func (f *fakeStatus) Snapshot() updater.Snapshot { return f.snap }

type fakeJournal struct {
	records []*models.SubmissionRecord
	err     error
	limits  []int
}

func (f *fakeJournal) Recent(limit int) ([]*models.SubmissionRecord, error) {
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[:limit], nil
}

func (f *fakeJournal) GetStats() *journal.Stats {
	return &journal.Stats{
		Total:     uint64(len(f.records)),
		ByOutcome: map[models.Outcome]uint64{models.OutcomeConfirmed: uint64(len(f.records))},
	}
}

type memConfigStore struct {
	mu      sync.Mutex
	configs map[string]string
}

func (m *memConfigStore) ListConfigs() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.configs))
	for k, v := range m.configs {
		out[k] = v
	}
	return out, nil
}

func (m *memConfigStore) GetConfig(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.configs[key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return v, nil
}

func (m *memConfigStore) UpdateConfig(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "account.private_key" {
		return fmt.Errorf("配置项 %s 不允许存储在数据库中", key)
	}
	m.configs[key] = value
	return nil
}

func (m *memConfigStore) DisableConfig(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, key)
	return nil
}

func submission(n int64, price float64) *models.SubmissionRecord {
	return &models.SubmissionRecord{
		Submission: models.Submission{
			Path:        models.PathLocalSigning,
			TxHash:      common.BigToHash(big.NewInt(n)),
			Nonce:       uint64(n),
			GasPrice:    big.NewInt(1),
			SubmittedAt: time.Now(),
		},
		Price:   price,
		Outcome: models.OutcomeConfirmed,
	}
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestServer_Health(t *testing.T) {
	s := NewServer(Options{}, quietLogger())

	w, resp := do(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Status(t *testing.T) {
	last := 1.5
	status := &fakeStatus{snap: updater.Snapshot{
		State:         updater.StateIdle,
		LastSubmitted: &last,
		LastTxHash:    "0xabc",
		LastResult:    updater.TickSubmitted,
		Ticks:         3,
		Submissions:   2,
		Skipped:       1,
	}}
	handler := errors.NewErrorHandler(quietLogger())
	_ = handler.HandleError(t.Context(), errors.FeedError("价格源不可用", nil), nil)

	s := NewServer(Options{
		Status:  status,
		Journal: &fakeJournal{records: []*models.SubmissionRecord{submission(1, 1.5)}},
		Errors:  handler,
	}, quietLogger())

	w, resp := do(t, s.Handler(), http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	up := resp["updater"].(map[string]interface{})
	assert.Equal(t, "idle", up["state"])
	assert.Equal(t, 1.5, up["last_submitted_price"])
	assert.Equal(t, "0xabc", up["last_tx_hash"])
	assert.Equal(t, 3.0, up["ticks"])

	j := resp["journal"].(map[string]interface{})
	assert.Equal(t, 1.0, j["total"])

	e := resp["errors"].(map[string]interface{})
	assert.Equal(t, 1.0, e["total"])
	assert.Contains(t, e["last_error"], "价格源不可用")
}

func TestServer_StatusWithoutUpdater(t *testing.T) {
	s := NewServer(Options{}, quietLogger())

	w, resp := do(t, s.Handler(), http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_running", resp["updater"].(map[string]interface{})["state"])
	assert.NotContains(t, resp, "journal")
}

func TestServer_Submissions(t *testing.T) {
	j := &fakeJournal{records: []*models.SubmissionRecord{
		submission(3, 1.5), submission(2, 1.2), submission(1, 1.0),
	}}
	s := NewServer(Options{Journal: j}, quietLogger())

	w, resp := do(t, s.Handler(), http.MethodGet, "/api/v1/submissions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, resp["count"])
	records := resp["submissions"].([]interface{})
	require.Len(t, records, 2)
	assert.Equal(t, 1.5, records[0].(map[string]interface{})["price"])

	// 默认值和上限
	do(t, s.Handler(), http.MethodGet, "/api/v1/submissions", nil)
	do(t, s.Handler(), http.MethodGet, "/api/v1/submissions?limit=100000", nil)
	assert.Equal(t, []int{2, defaultSubmissionLimit, maxSubmissionLimit}, j.limits)

	w, _ = do(t, s.Handler(), http.MethodGet, "/api/v1/submissions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	j.err = fmt.Errorf("磁盘错误")
	w, _ = do(t, s.Handler(), http.MethodGet, "/api/v1/submissions", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServer_SubmissionsWithoutJournal(t *testing.T) {
	s := NewServer(Options{}, quietLogger())

	w, _ := do(t, s.Handler(), http.MethodGet, "/api/v1/submissions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Logs(t *testing.T) {
	logger := quietLogger()
	s := NewServer(Options{}, logger)

	logger.Info("第一条")
	logger.WithField("private_key", "0xdeadbeef").Warn("第二条")
	logger.Info("第三条")

	w, resp := do(t, s.Handler(), http.MethodGet, "/api/v1/logs?pageSize=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.0, resp["total"])
	logs := resp["logs"].([]interface{})
	require.Len(t, logs, 2)
	// 最新的在前
	assert.Equal(t, "第三条", logs[0].(map[string]interface{})["message"])

	_, resp = do(t, s.Handler(), http.MethodGet, "/api/v1/logs?level=warning", nil)
	logs = resp["logs"].([]interface{})
	require.Len(t, logs, 1)
	fields := logs[0].(map[string]interface{})["fields"].(map[string]interface{})
	assert.Equal(t, redacted, fields["private_key"])

	w, _ = do(t, s.Handler(), http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, resp = do(t, s.Handler(), http.MethodGet, "/api/v1/logs?level=info", nil)
	assert.Equal(t, 0.0, resp["total"])
}

func TestServer_Metrics(t *testing.T) {
	m := monitor.NewMetrics(nil)
	m.TicksTotal.WithLabelValues("submitted").Inc()
	s := NewServer(Options{Metrics: m}, quietLogger())

	do(t, s.Handler(), http.MethodGet, "/health", nil)

	w, _ := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "oracle_ticks_total")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")))
}

func TestServer_ConfigOverrides(t *testing.T) {
	store := &memConfigStore{configs: map[string]string{"updater.poll_interval": "30s"}}
	s := NewServer(Options{Config: store}, quietLogger())
	h := s.Handler()

	w, resp := do(t, h, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, resp["total"])

	w, resp = do(t, h, http.MethodGet, "/api/v1/config/updater.poll_interval", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30s", resp["value"])

	w, _ = do(t, h, http.MethodGet, "/api/v1/config/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, http.MethodPut, "/api/v1/config", []byte(`{"key":"updater.confirmations","value":"3"}`))
	require.Equal(t, http.StatusOK, w.Code)
	v, err := store.GetConfig("updater.confirmations")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	// 私钥不允许写入数据库
	w, _ = do(t, h, http.MethodPut, "/api/v1/config", []byte(`{"key":"account.private_key","value":"0x01"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, h, http.MethodPut, "/api/v1/config", []byte(`{"key":""}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, h, http.MethodDelete, "/api/v1/config/updater.poll_interval", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, err = store.GetConfig("updater.poll_interval")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestServer_ConfigRoutesDisabled(t *testing.T) {
	s := NewServer(Options{}, quietLogger())

	w, _ := do(t, s.Handler(), http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
