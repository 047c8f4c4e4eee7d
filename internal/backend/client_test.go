package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/table-game/internal/config"
	apperrors "github.com/wfunc/table-game/internal/errors"
)

// testBackendConfig 短间隔的测试重试配置
func testBackendConfig() *config.BackendConfig {
	return &config.BackendConfig{
		Timeout:       time.Second,
		MaxRetries:    3,
		RetryInterval: 5 * time.Millisecond,
	}
}

func testEnv(postURL string) config.EnvironmentConfig {
	return config.EnvironmentConfig{
		Name:     "prod",
		GetURL:   postURL,
		PostURL:  postURL,
		GameCode: "sicbo01",
		Token:    "tok-123",
	}
}

// recordAlerts 记录告警的假通知器
type recordAlerts struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (a *recordAlerts) Warn(code, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warns = append(a.warns, code)
}

func (a *recordAlerts) Error(code, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, code)
}

// 测试开局请求：Bearer令牌、JSON载荷、响应解析
func TestClientStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/start", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sicbo01", body["game_code"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"round_id":   "R-2024-001",
			"bet_period": 30,
		})
	}))
	defer srv.Close()

	c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
	roundID, betPeriod, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "R-2024-001", roundID)
	assert.Equal(t, 30, betPeriod)
}

// 测试后端未返回投注时长时为0
func TestClientStartWithoutBetPeriod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"round_id":"R-2"}`)
	}))
	defer srv.Close()

	c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
	_, betPeriod, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, betPeriod)
}

// 测试当前回合查询走GET基址并携带令牌
func TestClientCurrentRound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/round", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"round_id":"R-live"}`)
	}))
	defer srv.Close()

	c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
	roundID, err := c.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "R-live", roundID)
}

// 测试当前回合查询的失败响应
func TestClientCurrentRoundRejectsBadResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
	_, err := c.CurrentRound(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrBackendResponse, apperrors.GetCode(err))
}

// 测试派彩载荷
func TestClientDeal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deal", r.URL.Path)
		var body struct {
			RoundID string `json:"round_id"`
			Result  []int  `json:"result"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "R-9", body.RoundID)
		assert.Equal(t, []int{2, 4, 6}, body.Result)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
	require.NoError(t, c.Deal(context.Background(), "R-9", []int{2, 4, 6}))
}

// 测试非200与非JSON响应都算失败
func TestClientRejectsBadResponses(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
		err := c.Finish(context.Background())
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrRetryExhausted, apperrors.GetCode(err))
	})

	t.Run("non-json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>maintenance</html>")
		}))
		defer srv.Close()

		c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
		err := c.BetStop(context.Background())
		require.Error(t, err)
	})
}

// 测试重试上限精确：失败时请求数恰好等于max_retries
func TestClientRetryCeilingExact(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testBackendConfig()
	cfg.MaxRetries = 3

	c := NewClient(testEnv(srv.URL), cfg, nil, nil)
	err := c.Finish(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

// 测试瞬时失败后成功则不再重试
func TestClientRetryRecovers(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(testEnv(srv.URL), testBackendConfig(), nil, nil)
	require.NoError(t, c.Finish(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

// 测试告警环境：每次重试发warn，耗尽发error
func TestClientAlertEnvironmentEscalation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := testEnv(srv.URL)
	env.Alert = true
	alerts := &recordAlerts{}

	c := NewClient(env, testBackendConfig(), alerts, nil)
	require.Error(t, c.Finish(context.Background()))

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	assert.Len(t, alerts.warns, 2, "3次尝试之间有2次重试告警")
	assert.Equal(t, []string{"BACKEND_RETRY_EXHAUSTED"}, alerts.errors)
}

// 测试非告警环境不发告警
func TestClientNonAlertEnvironmentSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	alerts := &recordAlerts{}
	c := NewClient(testEnv(srv.URL), testBackendConfig(), alerts, nil)
	require.Error(t, c.Finish(context.Background()))

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	assert.Empty(t, alerts.warns)
	assert.Empty(t, alerts.errors)
}

// 测试瞬时错误分类白名单
func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(syscall.ENETUNREACH))
	assert.True(t, IsTransient(syscall.EPIPE))
	assert.True(t, IsTransient(fmt.Errorf("dial: %w", syscall.ETIMEDOUT)))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("invalid round id")))
	assert.False(t, IsTransient(syscall.EACCES))
}

// 测试主环境下标：显式标记优先，否则取第一个
func TestPrimaryIndex(t *testing.T) {
	envs := []config.EnvironmentConfig{
		{Name: "a"}, {Name: "b", Primary: true}, {Name: "c"},
	}
	assert.Equal(t, 1, PrimaryIndex(envs))

	assert.Equal(t, 0, PrimaryIndex([]config.EnvironmentConfig{{Name: "a"}, {Name: "b"}}))
}
