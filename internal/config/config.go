package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "MCR-Agent/internal/errors"
)

// Config 描述 MCR Agent 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Gateway  GatewayConfig  `json:"gateway"`
	Workflow WorkflowConfig `json:"workflow"`
	Registry RegistryConfig `json:"registry"`
	RunStore RunStoreConfig `json:"run_store"`
	RunQueue RunQueueConfig `json:"run_queue"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// GatewayConfig 描述访问 Pega 案件后端所需的连接与认证信息。
// 凭证只允许通过环境变量名引用，避免明文出现在配置文件中。
type GatewayConfig struct {
	BaseURL          string `json:"base_url"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	AuthScheme       string `json:"auth_scheme"`
	BearerTokenEnv   string `json:"bearer_token_env"`
	BasicUsernameEnv string `json:"basic_username_env"`
	BasicPasswordEnv string `json:"basic_password_env"`
}

// Timeout 返回网关单次调用的超时时间。
func (g GatewayConfig) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// WorkflowConfig 控制单次工作流运行的约束。
type WorkflowConfig struct {
	StepBudget        int `json:"step_budget"`
	RunTimeoutSeconds int `json:"run_timeout_seconds"`
}

// RunTimeout 返回单次运行的墙钟超时时间。
func (w WorkflowConfig) RunTimeout() time.Duration {
	if w.RunTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(w.RunTimeoutSeconds) * time.Second
}

// RegistryConfig 指向可选的操作目录文件，用于扩展内置操作。
type RegistryConfig struct {
	CatalogPath string `json:"catalog_path"`
}

// RunStoreConfig 描述运行记录的持久化方式。
type RunStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	MaxRetries int    `json:"max_retries"`
}

// RunQueueConfig 描述异步运行队列的实现。
type RunQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AuthConfig 控制入站 API 的静态令牌认证。
type AuthConfig struct {
	Mode   string        `json:"mode"`
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig 描述一个静态访问令牌及其权限。
type TokenConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件的轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 控制失败告警的投递渠道。
type AlertingConfig struct {
	Webhook WebhookConfig `json:"webhook"`
}

// WebhookConfig 描述一个告警 Webhook 端点。
type WebhookConfig struct {
	URL     string `json:"url"`
	Channel string `json:"channel"`
}

// 网关凭证模式。
const (
	AuthSchemeBearer = "bearer"
	AuthSchemeBasic  = "basic"
)

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Gateway.TimeoutSeconds <= 0 {
		c.Gateway.TimeoutSeconds = 20
	}
	if c.Gateway.AuthScheme == "" {
		c.Gateway.AuthScheme = AuthSchemeBearer
	}
	if c.Gateway.BearerTokenEnv == "" && c.Gateway.AuthScheme == AuthSchemeBearer {
		c.Gateway.BearerTokenEnv = "PEGA_BEARER_TOKEN"
	}

	if c.Workflow.StepBudget <= 0 {
		c.Workflow.StepBudget = 8
	}
	if c.Workflow.RunTimeoutSeconds <= 0 {
		c.Workflow.RunTimeoutSeconds = 60
	}

	if c.Registry.CatalogPath != "" && !filepath.IsAbs(c.Registry.CatalogPath) {
		c.Registry.CatalogPath = filepath.Join(baseDir, c.Registry.CatalogPath)
	}

	if c.RunStore.Driver == "" {
		c.RunStore.Driver = "memory"
	}
	if c.RunStore.MaxRetries <= 0 {
		c.RunStore.MaxRetries = 3
	}

	if c.RunQueue.Driver == "" {
		c.RunQueue.Driver = "memory"
	}
	if c.RunQueue.Worker <= 0 {
		c.RunQueue.Worker = 4
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

// Validate 校验运行前必须满足的配置约束。
// 任何违反都会在第一次运行开始之前以 CONFIGURATION_FAILURE 终止进程。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "gateway.base_url 不能为空")
	}
	switch c.Gateway.AuthScheme {
	case AuthSchemeBearer:
		if c.Gateway.BearerTokenEnv == "" {
			return xerrors.New(xerrors.CodeConfiguration, "bearer 模式需要配置 gateway.bearer_token_env")
		}
		if c.Gateway.BasicUsernameEnv != "" || c.Gateway.BasicPasswordEnv != "" {
			return xerrors.New(xerrors.CodeConfiguration, "bearer 模式下不允许同时配置 basic 凭证")
		}
	case AuthSchemeBasic:
		if c.Gateway.BasicUsernameEnv == "" || c.Gateway.BasicPasswordEnv == "" {
			return xerrors.New(xerrors.CodeConfiguration, "basic 模式需要配置用户名与密码的环境变量名")
		}
		if c.Gateway.BearerTokenEnv != "" {
			return xerrors.New(xerrors.CodeConfiguration, "basic 模式下不允许同时配置 bearer 凭证")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("未知的 gateway.auth_scheme: %s", c.Gateway.AuthScheme))
	}

	switch c.RunStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.RunStore.DSN) == "" {
			return xerrors.New(xerrors.CodeConfiguration, "mysql 运行存储需要配置 run_store.dsn")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("未知的 run_store.driver: %s", c.RunStore.Driver))
	}

	switch c.RunQueue.Driver {
	case "memory":
	case "redis":
		if c.RunQueue.Redis.Address == "" {
			return xerrors.New(xerrors.CodeConfiguration, "redis 队列需要配置 run_queue.redis.address")
		}
	case "rabbitmq":
		if c.RunQueue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeConfiguration, "rabbitmq 队列需要配置 run_queue.rabbitmq.url")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("未知的 run_queue.driver: %s", c.RunQueue.Driver))
	}
	return nil
}
