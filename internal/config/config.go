package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"scriptguard/internal/logger"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   struct {
			Path       string `yaml:"path"`
			MaxSizeMB  int    `yaml:"max_size_mb"`
			MaxBackups int    `yaml:"max_backups"`
			MaxAgeDays int    `yaml:"max_age_days"`
		} `yaml:"file"`
	} `yaml:"log"`

	Diagnostics struct {
		Enabled       bool `yaml:"enabled"`
		CanDebug      bool `yaml:"can_debug"`
		LogLevel      int  `yaml:"log_level"`
		DedupWindowMS int  `yaml:"dedup_window_ms"`
	} `yaml:"diagnostics"`

	DevTools struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"devtools"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "scriptguard_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File.Path = "scriptguard.log"
	c.Diagnostics.DedupWindowMS = 5000
	c.DevTools.URL = "http://127.0.0.1:9222"
	c.DevTools.TimeoutMS = 3000
	return c
}

// Load 读取 yaml 配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
	default:
		errs = append(errs, fmt.Errorf("未知日志级别 %q", c.Log.Level))
	}
	for _, w := range c.Log.Writer {
		if w != "console" && w != "file" {
			errs = append(errs, fmt.Errorf("未知日志输出 %q", w))
		}
	}
	if c.Diagnostics.LogLevel < 0 || c.Diagnostics.LogLevel > 2 {
		errs = append(errs, fmt.Errorf("diagnostics.log_level 取值范围 0-2，当前 %d", c.Diagnostics.LogLevel))
	}
	if c.Diagnostics.DedupWindowMS < 0 {
		errs = append(errs, errors.New("diagnostics.dedup_window_ms 不能为负数"))
	}
	return errors.Join(errs...)
}

// LoggerOptions 转换为日志构造参数
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:   c.Log.Level,
		Writers: c.Log.Writer,
		File: logger.FileOptions{
			Path:       c.Log.File.Path,
			MaxSizeMB:  c.Log.File.MaxSizeMB,
			MaxBackups: c.Log.File.MaxBackups,
			MaxAgeDays: c.Log.File.MaxAgeDays,
		},
	}
}
