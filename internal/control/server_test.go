package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/table-game/internal/config"
)

func testControlConfig() *config.ControlConfig {
	return &config.ControlConfig{
		TableID:      "T-007",
		SecretHeader: "X-Table-Signature",
		Secret:       "s3cret",
	}
}

func patchStatus(t *testing.T, srv *httptest.Server, secret string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/v1/service/status", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Table-Signature", secret)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

// 测试签名校验：缺失或错误的签名头被拒绝
func TestServerRejectsBadSignature(t *testing.T) {
	mode := NewMode()
	srv := httptest.NewServer(NewServer(testControlConfig(), mode).Handler())
	defer srv.Close()

	resp := patchStatus(t, srv, "", `{"tableId":"T-007","sdp":"down"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = patchStatus(t, srv, "wrong", `{"tableId":"T-007","sdp":"down"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.True(t, mode.IsRunning(), "鉴权失败不切换模式")
}

// 测试sdp=down切换待机，sdp=up恢复运行
func TestServerPatchSwitchesMode(t *testing.T) {
	mode := NewMode()
	srv := httptest.NewServer(NewServer(testControlConfig(), mode).Handler())
	defer srv.Close()

	resp := patchStatus(t, srv, "s3cret", `{"tableId":"T-007","sdp":"down"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return !mode.IsRunning() },
		time.Second, 5*time.Millisecond)

	resp = patchStatus(t, srv, "s3cret", `{"tableId":"T-007","sdp":"up"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, mode.IsRunning())
}

// 测试桌台ID不匹配
func TestServerUnknownTable(t *testing.T) {
	mode := NewMode()
	srv := httptest.NewServer(NewServer(testControlConfig(), mode).Handler())
	defer srv.Close()

	resp := patchStatus(t, srv, "s3cret", `{"tableId":"T-999","sdp":"down"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.True(t, mode.IsRunning())
}

// 测试非法请求体与非法sdp值
func TestServerRejectsBadBody(t *testing.T) {
	mode := NewMode()
	srv := httptest.NewServer(NewServer(testControlConfig(), mode).Handler())
	defer srv.Close()

	resp := patchStatus(t, srv, "s3cret", `{"tableId":"T-007"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = patchStatus(t, srv, "s3cret", `{"tableId":"T-007","sdp":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// 测试轮询器解析{data:{sdp}}并切换模式
func TestStatusPollerAppliesSDP(t *testing.T) {
	mode := NewMode()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "T-007", r.URL.Query().Get("tableId"))
		w.Write([]byte(`{"data":{"sdp":"down"}}`))
	}))
	defer backend.Close()

	cfg := testControlConfig()
	cfg.StatusURL = backend.URL + "/v1/service/status"
	cfg.PollInterval = 10 * time.Millisecond

	p := NewStatusPoller(cfg, mode, nil)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return !mode.IsRunning() },
		time.Second, 5*time.Millisecond)
}

// 测试轮询失败不切换模式
func TestStatusPollerTolerantOfErrors(t *testing.T) {
	mode := NewMode()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	cfg := testControlConfig()
	cfg.StatusURL = backend.URL
	cfg.PollInterval = 10 * time.Millisecond

	p := NewStatusPoller(cfg, mode, nil)
	p.Start()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, mode.IsRunning())
}

// 测试下行帧解析：sdp=down与DOWN信号都切待机
func TestWSClientHandleFrame(t *testing.T) {
	cfg := &config.WebSocketConfig{}

	t.Run("sdp down", func(t *testing.T) {
		mode := NewMode()
		c := NewWSClient(cfg, mode)
		c.handleFrame([]byte(`{"sdp":"down"}`))
		assert.False(t, mode.IsRunning())
	})

	t.Run("signal msgId down", func(t *testing.T) {
		mode := NewMode()
		c := NewWSClient(cfg, mode)
		c.handleFrame([]byte(`{"signal":{"msgId":"TABLE_DOWN_20240830"}}`))
		assert.False(t, mode.IsRunning())
	})

	t.Run("sdp up", func(t *testing.T) {
		mode := NewMode()
		c := NewWSClient(cfg, mode)
		mode.SetIdle("test")
		c.handleFrame([]byte(`{"sdp":"up"}`))
		assert.True(t, mode.IsRunning())
	})

	t.Run("unrelated frame", func(t *testing.T) {
		mode := NewMode()
		c := NewWSClient(cfg, mode)
		c.handleFrame([]byte(`{"event":"heartbeat"}`))
		c.handleFrame([]byte(`garbage`))
		assert.True(t, mode.IsRunning())
	})
}

// 测试异常帧的序列化结构与signalType取值
func TestWSClientExceptionFrame(t *testing.T) {
	cfg := &config.WebSocketConfig{}
	mode := NewMode()
	c := NewWSClient(cfg, mode)
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	readFrame := func(t *testing.T) map[string]interface{} {
		t.Helper()
		select {
		case data := <-c.sendCh:
			frame := map[string]interface{}{}
			require.NoError(t, json.Unmarshal(data, &frame))
			return frame
		default:
			t.Fatal("没有待发送的帧")
			return nil
		}
	}

	t.Run("warn", func(t *testing.T) {
		c.Warn("HW_FAULT", "硬件信号异常")
		frame := readFrame(t)
		assert.Equal(t, "exception", frame["event"])

		data := frame["data"].(map[string]interface{})
		assert.Contains(t, data, "cmd")
		signal := data["signal"].(map[string]interface{})
		assert.NotEmpty(t, signal["msgId"])
		assert.Equal(t, "硬件信号异常", signal["content"])

		metadata := signal["metadata"].(map[string]interface{})
		assert.Equal(t, "HW_FAULT", metadata["code"])
		assert.Equal(t, "warn", metadata["signalType"])
		assert.Equal(t, "硬件信号异常", metadata["description"])
		assert.NotEmpty(t, metadata["title"])
		assert.NotEmpty(t, metadata["suggestion"])
	})

	t.Run("error", func(t *testing.T) {
		c.Error("HW_FAULT", "硬件信号异常")
		frame := readFrame(t)
		signal := frame["data"].(map[string]interface{})["signal"].(map[string]interface{})
		metadata := signal["metadata"].(map[string]interface{})
		assert.Equal(t, "error", metadata["signalType"])
	})

	t.Run("disconnected drops", func(t *testing.T) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.Warn("HW_FAULT", "x")
		assert.Empty(t, c.sendCh)
	})
}
