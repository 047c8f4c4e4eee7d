package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/table-game/internal/config"
)

// fakeBus 记录发布并允许测试注入订阅消息
type fakeBus struct {
	mu        sync.Mutex
	published []fakeMessage
	handlers  map[string]func(topic string, payload []byte)
	notify    chan fakeMessage
}

type fakeMessage struct {
	topic   string
	payload string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string]func(topic string, payload []byte)),
		notify:   make(chan fakeMessage, 64),
	}
}

func (b *fakeBus) Publish(topic string, payload []byte) error {
	msg := fakeMessage{topic: topic, payload: string(payload)}
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()
	select {
	case b.notify <- msg:
	default:
	}
	return nil
}

func (b *fakeBus) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

// deliver 模拟总线投递一条消息
func (b *fakeBus) deliver(topic string, payload string) {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload))
	}
}

// commands 返回已发布的识别命令名列表
func (b *fakeBus) commands(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var cmds []string
	for _, msg := range b.published {
		var cmd detectCommand
		if err := json.Unmarshal([]byte(msg.payload), &cmd); err == nil && cmd.Command != "" {
			cmds = append(cmds, cmd.Command)
		}
	}
	return cmds
}

// testTopics 测试主题集
func testTopics() *config.MQTTTopics {
	return &config.MQTTTopics{
		Command:       "table/test/command",
		Response:      "table/test/response",
		ShakerCommand: "shaker/test/command",
		ShakerState:   "shaker/test/state",
	}
}

// newTestDetector 构建短超时的测试识别客户端
func newTestDetector(b Bus) *Detector {
	cfg := &config.DetectConfig{
		Timeout:       80 * time.Millisecond,
		RetryInterval: 30 * time.Millisecond,
		ResultLen:     3,
		DefaultValue:  1,
		Input:         "rtsp://cam/in",
		Output:        "rtsp://cam/out",
	}
	return NewDetector(b, cfg, testTopics(), nil)
}

// 测试场景：合法结果立即被接受，轮询停止
func TestDetectorAcceptsValidResult(t *testing.T) {
	fb := newFakeBus()
	d := newTestDetector(fb)
	require.NoError(t, d.Start())

	done := make(chan struct{})
	var res []int
	var ok bool
	go func() {
		defer close(done)
		res, ok = d.Detect(context.Background(), "R100")
	}()

	// 等待detect命令发出后投递结果
	select {
	case msg := <-fb.notify:
		assert.Equal(t, "table/test/command", msg.topic)
	case <-time.After(time.Second):
		t.Fatal("未发出detect命令")
	}

	fb.deliver("table/test/response", `{"response":"result","arg":{"res":[2,4,6],"err":0}}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Detect未返回")
	}

	assert.True(t, ok)
	assert.Equal(t, []int{2, 4, 6}, res)
}

// 测试无效响应不推进状态：空、null、长度不符都继续等待
func TestDetectorIgnoresInvalidResponses(t *testing.T) {
	fb := newFakeBus()
	d := newTestDetector(fb)
	require.NoError(t, d.Start())

	done := make(chan struct{})
	var res []int
	var ok bool
	go func() {
		defer close(done)
		res, ok = d.Detect(context.Background(), "R101")
	}()

	<-fb.notify

	// 各种"尚未就绪"形状
	fb.deliver("table/test/response", `{"response":"result","arg":{"res":[],"err":0}}`)
	fb.deliver("table/test/response", `{"response":"result","arg":{"res":null,"err":0}}`)
	fb.deliver("table/test/response", `{"response":"result","arg":{"res":[1,2],"err":0}}`)
	fb.deliver("table/test/response", `{"response":"result","arg":{"res":[0,2,3],"err":0}}`)
	fb.deliver("table/test/response", `{"response":"pending","arg":{"res":[1,2,3],"err":0}}`)
	fb.deliver("table/test/response", `not-json`)

	select {
	case <-done:
		t.Fatal("无效响应不应让Detect返回")
	case <-time.After(20 * time.Millisecond):
	}

	// 最终合法结果仍被接受
	fb.deliver("table/test/response", `{"response":"result","arg":{"res":[5,5,5],"err":0}}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Detect未返回")
	}

	assert.True(t, ok)
	assert.Equal(t, []int{5, 5, 5}, res)
}

// 测试总超时：发布timeout命令并返回合成默认结果
func TestDetectorTimeoutReturnsDefault(t *testing.T) {
	fb := newFakeBus()
	d := newTestDetector(fb)
	require.NoError(t, d.Start())

	start := time.Now()
	res, ok := d.Detect(context.Background(), "R102")
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Equal(t, []int{1, 1, 1}, res, "默认结果为配置默认值的固定长度列表")
	assert.Less(t, elapsed, time.Second, "超时后立即返回，不会无限阻塞")

	cmds := fb.commands(t)
	require.NotEmpty(t, cmds)
	assert.Equal(t, "detect", cmds[0])
	assert.Equal(t, "timeout", cmds[len(cmds)-1], "超时后通知服务端取消")
}

// 测试超时前按重试间隔重发detect命令
func TestDetectorRepublishesCommand(t *testing.T) {
	fb := newFakeBus()
	d := newTestDetector(fb)
	require.NoError(t, d.Start())

	_, ok := d.Detect(context.Background(), "R103")
	assert.False(t, ok)

	detects := 0
	for _, c := range fb.commands(t) {
		if c == "detect" {
			detects++
		}
	}
	assert.GreaterOrEqual(t, detects, 2, "总超时80ms内30ms间隔至少重发一次")
}

// 测试识别命令携带round_id与流引用
func TestDetectorCommandPayload(t *testing.T) {
	fb := newFakeBus()
	d := newTestDetector(fb)
	require.NoError(t, d.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Detect(context.Background(), "R104")
	}()

	msg := <-fb.notify
	<-done

	var cmd detectCommand
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &cmd))
	assert.Equal(t, "detect", cmd.Command)
	assert.Equal(t, "R104", cmd.Arg.RoundID)
	assert.Equal(t, "rtsp://cam/in", cmd.Arg.Input)
	assert.Equal(t, "rtsp://cam/out", cmd.Arg.Output)
}
