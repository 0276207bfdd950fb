package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Storage drivers understood by cache.NewStorage.
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与回源行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	RefreshRate     float64  `mapstructure:"RefreshRate"`
	RefreshBurst    int      `mapstructure:"RefreshBurst"`
}

// AppConfig 描述被缓存的单页应用：源站、版本标签与预缓存清单。
type AppConfig struct {
	Name              string   `mapstructure:"Name"`
	Version           string   `mapstructure:"Version"`
	Origin            string   `mapstructure:"Origin"`
	Scope             string   `mapstructure:"Scope"`
	Precache          []string `mapstructure:"Precache"`
	ImmediateTakeover bool     `mapstructure:"ImmediateTakeover"`
	BroadcastUpdates  bool     `mapstructure:"BroadcastUpdates"`
	UpdatingText      string   `mapstructure:"UpdatingText"`
	OfflineText       string   `mapstructure:"OfflineText"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// CacheName 返回当前代际的存储名称，形如 shiftcalc-v1。
// 修改 Version 是强制全量刷新缓存的唯一手段。
func (a AppConfig) CacheName() string {
	return a.Name + "-" + a.Version
}

// TakeoverMode 输出 `immediate` 或 `deferred`，供日志字段使用。
func (a AppConfig) TakeoverMode() string {
	if a.ImmediateTakeover {
		return "immediate"
	}
	return "deferred"
}
