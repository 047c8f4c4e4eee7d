package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Serial       SerialConfig        `mapstructure:"serial"`
	MQTT         MQTTConfig          `mapstructure:"mqtt"`
	WebSocket    WebSocketConfig     `mapstructure:"websocket"`
	Control      ControlConfig       `mapstructure:"control"`
	Environments []EnvironmentConfig `mapstructure:"environments"`
	Backend      BackendConfig       `mapstructure:"backend"`
	Game         GameConfig          `mapstructure:"game"`
	Log          LogConfig           `mapstructure:"log"`
	System       SystemConfig        `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MockMode      bool          `mapstructure:"mock_mode"` // 调试模式（不连接真实硬件）
	Port          string        `mapstructure:"port"`
	BaudRate      int           `mapstructure:"baud_rate"`
	DataBits      int           `mapstructure:"data_bits"`
	StopBits      int           `mapstructure:"stop_bits"`
	Parity        string        `mapstructure:"parity"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	RetryTimes    int           `mapstructure:"retry_times"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Broker               string        `mapstructure:"broker"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	QoS                  byte          `mapstructure:"qos"`
	CleanSession         bool          `mapstructure:"clean_session"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	Topics               MQTTTopics    `mapstructure:"topics"`
}

// MQTTTopics MQTT主题配置
type MQTTTopics struct {
	Command       string `mapstructure:"command"`        // 识别命令主题
	Response      string `mapstructure:"response"`       // 识别响应主题
	ShakerCommand string `mapstructure:"shaker_command"` // 摇骰机命令主题
	ShakerState   string `mapstructure:"shaker_state"`   // 摇骰机状态主题
}

// WebSocketConfig 控制面WebSocket客户端配置
type WebSocketConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	DeviceID          string        `mapstructure:"device_id"`
	Token             string        `mapstructure:"token"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// ControlConfig 运行模式控制配置
type ControlConfig struct {
	TableID      string         `mapstructure:"table_id"`
	StatusURL    string         `mapstructure:"status_url"`    // 状态轮询地址
	PollInterval time.Duration  `mapstructure:"poll_interval"` // 轮询周期
	ListenAddr   string         `mapstructure:"listen_addr"`   // 入站PATCH监听地址
	SecretHeader string         `mapstructure:"secret_header"` // 共享密钥签名头
	Secret       string         `mapstructure:"secret"`
	Failover     FailoverConfig `mapstructure:"failover"`
}

// FailoverConfig 备用主机接管配置
type FailoverConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	SessionURL     string        `mapstructure:"session_url"` // 会话存在性探测地址
	CommandURL     string        `mapstructure:"command_url"` // 远程命令注入地址
	ShutdownScript string        `mapstructure:"shutdown_script"`
}

// EnvironmentConfig 单个后台环境配置
type EnvironmentConfig struct {
	Name     string `mapstructure:"name"`
	GetURL   string `mapstructure:"get_url"`
	PostURL  string `mapstructure:"post_url"`
	GameCode string `mapstructure:"game_code"`
	Token    string `mapstructure:"token"`
	Primary  bool   `mapstructure:"primary"` // bet_period 来源环境
	Alert    bool   `mapstructure:"alert"`   // 重试时上报告警的环境
}

// BackendConfig 后台调用通用配置
type BackendConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// GameConfig 游戏流程配置
type GameConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"` // 重复事件合并窗口
	FaultGrace  time.Duration `mapstructure:"fault_grace"`  // 启动后故障宽限期
	Detect      DetectConfig  `mapstructure:"detect"`
	Shaker      ShakerConfig  `mapstructure:"shaker"`
}

// DetectConfig 识别协议配置
type DetectConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	ResultLen     int           `mapstructure:"result_len"` // 3=骰子 6=牌面
	DefaultValue  int           `mapstructure:"default_value"`
	Input         string        `mapstructure:"input"`  // 视频流输入引用
	Output        string        `mapstructure:"output"` // 视频流输出引用
}

// ShakerConfig 摇骰机配置
type ShakerConfig struct {
	Profile       string        `mapstructure:"profile"` // 运动曲线命令
	ShakeDuration time.Duration `mapstructure:"shake_duration"`
	Margin        time.Duration `mapstructure:"margin"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("TABLE_GAME")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}

		// 替换主题中的变量
		replaceTopicVars()

		// 校验环境列表
		err = validateEnvironments(cfg)
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 串口默认配置
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.read_timeout", "100ms")
	v.SetDefault("serial.write_timeout", "100ms")
	v.SetDefault("serial.retry_times", 3)
	v.SetDefault("serial.retry_interval", "1s")

	// MQTT默认配置
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "table-game")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.auto_reconnect", true)
	v.SetDefault("mqtt.max_reconnect_interval", "30s")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.topics.command", "table/{client_id}/command")
	v.SetDefault("mqtt.topics.response", "table/{client_id}/response")
	v.SetDefault("mqtt.topics.shaker_command", "shaker/{client_id}/command")
	v.SetDefault("mqtt.topics.shaker_state", "shaker/{client_id}/state")

	// WebSocket默认配置
	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.reconnect_interval", "5s")

	// 控制面默认配置
	v.SetDefault("control.poll_interval", "10s")
	v.SetDefault("control.listen_addr", "0.0.0.0:8085")
	v.SetDefault("control.secret_header", "X-Signature")
	v.SetDefault("control.failover.probe_timeout", "3s")

	// 后台调用默认配置
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.max_retries", 3)
	v.SetDefault("backend.retry_interval", "1s")

	// 游戏流程默认配置
	v.SetDefault("game.dedup_window", "5s")
	v.SetDefault("game.fault_grace", "30s")
	v.SetDefault("game.detect.timeout", "5s")
	v.SetDefault("game.detect.retry_interval", "5s")
	v.SetDefault("game.detect.result_len", 3)
	v.SetDefault("game.detect.default_value", 1)
	v.SetDefault("game.shaker.shake_duration", "8s")
	v.SetDefault("game.shaker.margin", "5s")
	v.SetDefault("game.shaker.poll_interval", "500ms")
	v.SetDefault("game.shaker.profile", "shake T1200 A30 D8000")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "table-game.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// replaceTopicVars 替换MQTT主题中的变量
func replaceTopicVars() {
	if cfg == nil || !cfg.MQTT.Enabled {
		return
	}

	clientID := cfg.MQTT.ClientID
	cfg.MQTT.Topics.Command = strings.ReplaceAll(cfg.MQTT.Topics.Command, "{client_id}", clientID)
	cfg.MQTT.Topics.Response = strings.ReplaceAll(cfg.MQTT.Topics.Response, "{client_id}", clientID)
	cfg.MQTT.Topics.ShakerCommand = strings.ReplaceAll(cfg.MQTT.Topics.ShakerCommand, "{client_id}", clientID)
	cfg.MQTT.Topics.ShakerState = strings.ReplaceAll(cfg.MQTT.Topics.ShakerState, "{client_id}", clientID)
}

// validateEnvironments 校验环境列表：主环境最多一个
func validateEnvironments(c *Config) error {
	primaries := 0
	for _, env := range c.Environments {
		if env.Name == "" {
			return fmt.Errorf("环境名称不能为空")
		}
		if env.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("主环境只能有一个, 当前配置了%d个", primaries)
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		cfg = newCfg
		replaceTopicVars()

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
