package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试初始为运行模式
func TestModeInitialRunning(t *testing.T) {
	m := NewMode()
	assert.True(t, m.IsRunning())
	assert.Equal(t, ModeRunning, m.Get())
}

// 测试Running->Idle边沿的动作序列只执行一次
func TestModeIdleActionsOncePerEdge(t *testing.T) {
	m := NewMode()
	var fired int32
	m.OnIdle(func(ctx context.Context) {
		atomic.AddInt32(&fired, 1)
	})

	m.SetIdle("test")
	m.SetIdle("test")
	m.SetIdle("test")

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("待机序列未完成")
	}

	assert.False(t, m.IsRunning())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

// 测试动作按注册顺序执行
func TestModeIdleActionOrder(t *testing.T) {
	m := NewMode()
	var order []string
	done := make(chan struct{})

	m.OnIdle(func(ctx context.Context) { order = append(order, "failover") })
	m.OnIdle(func(ctx context.Context) { order = append(order, "shutdown_script") })
	m.OnIdle(func(ctx context.Context) {
		order = append(order, "terminate")
		close(done)
	})

	m.SetIdle("test")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("动作序列未执行")
	}

	assert.Equal(t, []string{"failover", "shutdown_script", "terminate"}, order)
}

// 测试来回切换：重新进入待机再次触发动作
func TestModeReentry(t *testing.T) {
	m := NewMode()
	var fired int32
	m.OnIdle(func(ctx context.Context) { atomic.AddInt32(&fired, 1) })

	m.SetIdle("first")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 },
		time.Second, 5*time.Millisecond)

	m.SetRunning("recovered")
	assert.True(t, m.IsRunning())

	m.SetIdle("second")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 2 },
		time.Second, 5*time.Millisecond, "每个Running->Idle边沿各触发一次")
}

// 测试重复SetRunning是幂等的
func TestModeSetRunningIdempotent(t *testing.T) {
	m := NewMode()
	m.SetRunning("noop")
	m.SetRunning("noop")
	assert.True(t, m.IsRunning())
}
