package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/table-game/internal/config"
	apperrors "github.com/wfunc/table-game/internal/errors"
)

// newTestShaker 构建短周期的测试摇骰机监视器
func newTestShaker(b Bus) *ShakerMonitor {
	cfg := &config.ShakerConfig{
		Profile:       "/motion:9",
		ShakeDuration: 60 * time.Millisecond,
		Margin:        40 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}
	return NewShakerMonitor(b, cfg, testTopics(), nil)
}

// 测试正常摇骰序列：S2接受 -> S1摇骰中 -> S0空闲即成功
func TestShakerShakeSuccess(t *testing.T) {
	fb := newFakeBus()
	m := newTestShaker(fb)
	require.NoError(t, m.Start())

	go func() {
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S2")
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S1")
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S0")
	}()

	err := m.Shake(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ShakerIdle, m.State())
}

// 测试硬件故障：S90立即失败，不等满超时
func TestShakerShakeFault(t *testing.T) {
	fb := newFakeBus()
	m := newTestShaker(fb)
	require.NoError(t, m.Start())

	go func() {
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S2")
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S90")
	}()

	start := time.Now()
	err := m.Shake(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrShakerFault, apperrors.GetCode(err))
	assert.Less(t, time.Since(start), 60*time.Millisecond, "故障应立即上报")
}

// 测试超时：始终没有回到S0视为软故障
func TestShakerShakeTimeout(t *testing.T) {
	fb := newFakeBus()
	m := newTestShaker(fb)
	require.NoError(t, m.Start())

	go func() {
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S1")
	}()

	err := m.Shake(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrShakerTimeout, apperrors.GetCode(err))
}

// 测试未观察到活动状态时不把残留的S0当作完成
func TestShakerIgnoresStaleIdle(t *testing.T) {
	fb := newFakeBus()
	m := newTestShaker(fb)
	require.NoError(t, m.Start())

	// 摇骰前残留的空闲状态
	fb.deliver("shaker/test/state", "S0")

	err := m.Shake(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrShakerTimeout, apperrors.GetCode(err))
}

// 测试摇骰发出状态查询与运动曲线命令
func TestShakerShakePublishesProfile(t *testing.T) {
	fb := newFakeBus()
	m := newTestShaker(fb)
	require.NoError(t, m.Start())

	go func() {
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S1")
		time.Sleep(10 * time.Millisecond)
		fb.deliver("shaker/test/state", "S0")
	}()

	require.NoError(t, m.Shake(context.Background()))

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.GreaterOrEqual(t, len(fb.published), 2)
	assert.Equal(t, "shaker/test/command", fb.published[0].topic)
	assert.Equal(t, stateQuery, fb.published[0].payload)
	assert.Equal(t, "/motion:9", fb.published[1].payload)
}

// 测试无法识别的状态负载被忽略
func TestShakerIgnoresUnknownState(t *testing.T) {
	fb := newFakeBus()
	m := newTestShaker(fb)
	require.NoError(t, m.Start())

	fb.deliver("shaker/test/state", "S5")
	fb.deliver("shaker/test/state", "banana")
	assert.Equal(t, ShakerUnknown, m.State())

	fb.deliver("shaker/test/state", " S2 ")
	assert.Equal(t, ShakerCommandAccepted, m.State())
}
