package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig HTTP 监听与接入设置
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" json:"addr"`
	WSPath         string   `mapstructure:"ws_path" json:"ws_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	AdminEnabled   bool     `mapstructure:"admin_enabled" json:"admin_enabled"`
}

// RelayConfig 中继行为设置
type RelayConfig struct {
	SpawnX               float64       `mapstructure:"spawn_x" json:"spawn_x"`
	SpawnY               float64       `mapstructure:"spawn_y" json:"spawn_y"`
	SendBuffer           int           `mapstructure:"send_buffer" json:"send_buffer"`
	MaxMessageBytes      int64         `mapstructure:"max_message_bytes" json:"max_message_bytes"`
	WriteWait            time.Duration `mapstructure:"write_wait" json:"write_wait"`
	PongWait             time.Duration `mapstructure:"pong_wait" json:"pong_wait"`
	SnapshotIncludesSelf bool          `mapstructure:"snapshot_includes_self" json:"snapshot_includes_self"`
}

// PingPeriod 心跳间隔，必须小于 PongWait
func (r RelayConfig) PingPeriod() time.Duration {
	return r.PongWait * 9 / 10
}

// LoggingConfig 日志设置；File 为空时输出到 stderr
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	File       string `mapstructure:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
}

// Config 顶层配置
type Config struct {
	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Relay   RelayConfig   `mapstructure:"relay" json:"relay"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
}

// DefaultConfig 返回全部默认值（不读文件、不读环境变量）
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// 默认值无法解码属于编程错误
		panic(fmt.Sprintf("unmarshalling default config: %v", err))
	}
	return cfg
}

// LoadConfig 依次加载 .env、可选的配置文件与 RELAY_ 前缀环境变量，并校验
// path 为空时只使用默认值与环境变量
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.ws_path", "/")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.admin_enabled", true)

	v.SetDefault("relay.spawn_x", 0.0)
	v.SetDefault("relay.spawn_y", 0.0)
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.max_message_bytes", 65536)
	v.SetDefault("relay.write_wait", "10s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.snapshot_includes_self", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}

// Validate 检查所有配置约束，一次性返回全部问题
func (c Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Sprintf("server.ws_path must start with '/', got %q", c.Server.WSPath))
	}
	if c.Relay.SendBuffer < onboardingMessages {
		errs = append(errs, fmt.Sprintf("relay.send_buffer must be >= %d, got %d", onboardingMessages, c.Relay.SendBuffer))
	}
	if c.Relay.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("relay.max_message_bytes must be >= 1, got %d", c.Relay.MaxMessageBytes))
	}
	if c.Relay.WriteWait <= 0 {
		errs = append(errs, "relay.write_wait must be positive")
	}
	if c.Relay.PongWait <= 0 {
		errs = append(errs, "relay.pong_wait must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [json, console], got %q", c.Logging.Format))
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB < 1 {
		errs = append(errs, fmt.Sprintf("logging.max_size_mb must be >= 1, got %d", c.Logging.MaxSizeMB))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
