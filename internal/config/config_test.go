package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试无配置文件时的默认值与主题变量替换
func TestInitDefaults(t *testing.T) {
	require.NoError(t, Init(""))
	cfg := Get()
	require.NotNil(t, cfg)

	assert.Equal(t, 5*time.Second, cfg.Game.DedupWindow)
	assert.Equal(t, 30*time.Second, cfg.Game.FaultGrace)
	assert.Equal(t, 5*time.Second, cfg.Game.Detect.Timeout)
	assert.Equal(t, 3, cfg.Game.Detect.ResultLen)
	assert.Equal(t, 8*time.Second, cfg.Game.Shaker.ShakeDuration)
	assert.Equal(t, 3, cfg.Backend.MaxRetries)

	// {client_id}被默认client_id替换
	assert.Equal(t, "table/table-game/command", cfg.MQTT.Topics.Command)
	assert.Equal(t, "shaker/table-game/state", cfg.MQTT.Topics.ShakerState)
}

// 测试环境列表校验
func TestValidateEnvironments(t *testing.T) {
	ok := &Config{Environments: []EnvironmentConfig{
		{Name: "prod", Primary: true},
		{Name: "staging"},
	}}
	assert.NoError(t, validateEnvironments(ok))

	unnamed := &Config{Environments: []EnvironmentConfig{{Name: ""}}}
	assert.Error(t, validateEnvironments(unnamed))

	twoPrimaries := &Config{Environments: []EnvironmentConfig{
		{Name: "a", Primary: true},
		{Name: "b", Primary: true},
	}}
	assert.Error(t, validateEnvironments(twoPrimaries))
}
