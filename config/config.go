// Package config 提供统一的配置管理
//
// 本包采用与组件一一对应的子配置：
//   - 主 Config 结构体聚合所有子配置
//   - 每个子配置在独立文件中定义，带 DefaultXxxConfig 与 Validate
//   - 支持从 JSON 或 YAML 文件加载
//
// 使用示例：
//
//	cfg := config.NewConfig()
//	cfg.Transport.Name = config.TransportQUIC
//	cfg.Resilience.PreEstablish.OpenDistance = 48
//
//	// 从文件加载（按扩展名选择 JSON / YAML）
//	cfg, err := config.Load("client.yaml")
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config zonerpc 的完整配置
type Config struct {
	// Transport 线路传输配置
	Transport TransportConfig `json:"transport" yaml:"transport"`

	// Connection 连接配置
	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// Router 连接管理器配置
	Router RouterConfig `json:"router" yaml:"router"`

	// Resilience 客户端韧性配置
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`

	// Server 区域服务器配置
	Server ServerConfig `json:"server" yaml:"server"`

	// Directory 静态区域目录配置
	Directory DirectoryConfig `json:"directory" yaml:"directory"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// LogLevel 日志级别（debug / info / warn / error）
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Transport:  DefaultTransportConfig(),
		Connection: DefaultConnectionConfig(),
		Router:     DefaultRouterConfig(),
		Resilience: DefaultResilienceConfig(),
		Server:     DefaultServerConfig(),
		Directory:  DefaultDirectoryConfig(),
		Metrics:    DefaultMetricsConfig(),
		LogLevel:   "info",
	}
}

// Validate 验证所有子配置
func (c *Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if err := c.Router.Validate(); err != nil {
		return err
	}
	if err := c.Resilience.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	return c.Directory.Validate()
}

// FromJSON 在默认配置之上解析 JSON
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, nil
}

// FromYAML 在默认配置之上解析 YAML
func FromYAML(data []byte) (*Config, error) {
	cfg := NewConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, nil
}

// Load 从文件加载配置并验证
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = FromYAML(data)
	case ".json", "":
		cfg, err = FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ToJSON 序列化为缩进 JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
