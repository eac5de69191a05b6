package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/bridge"
	"AgentPay-Chain/internal/escrow"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/handoff"
	"AgentPay-Chain/internal/observability/telemetry"
	"AgentPay-Chain/internal/settlement"
	redisstore "AgentPay-Chain/internal/storage/redis"
	"AgentPay-Chain/internal/storage/sqlstore"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

// EnvPrefix 为环境变量覆盖的前缀。层级以双下划线分隔，
// 例如 AGENTPAY_STORAGE__SQL__DSN 对应 storage.sql.dsn。
const EnvPrefix = "AGENTPAY_"

// Config 描述 agentpayd 启动阶段需要加载的全部配置。
type Config struct {
	Log         logger.Config     `koanf:"log"`
	Server      ServerConfig      `koanf:"server"`
	Auth        auth.Config       `koanf:"auth"`
	Storage     StorageConfig     `koanf:"storage"`
	Events      EventsConfig      `koanf:"events"`
	Escrow      escrow.Config     `koanf:"escrow"`
	Handoff     HandoffConfig     `koanf:"handoff"`
	Settlement  settlement.Config `koanf:"settlement"`
	Facilitator FacilitatorConfig `koanf:"facilitator"`
	Payer       PayerConfig       `koanf:"payer"`
	Bridge      bridge.Config     `koanf:"bridge"`
	Web3        web3.Config       `koanf:"web3"`
	Telemetry   telemetry.Config  `koanf:"telemetry"`
	Alerting    AlertingConfig    `koanf:"alerting"`
	Runtime     RuntimeConfig     `koanf:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `koanf:"address"`
	// ServiceID 写入 MCP 工具调用产生的任务记录。
	ServiceID string `koanf:"service_id"`
}

// StorageConfig 统一描述 SQL、Redis 等后端的连接信息。
// Driver 为 memory 时全部使用内存存储。
type StorageConfig struct {
	Driver string            `koanf:"driver"`
	SQL    sqlstore.Config   `koanf:"sql"`
	Redis  redisstore.Config `koanf:"redis"`
}

// EventsConfig 选择事件总线实现。
type EventsConfig struct {
	Driver     string                `koanf:"driver"`
	Workers    int                   `koanf:"workers"`
	BufferSize int                   `koanf:"buffer_size"`
	Redis      events.RedisConfig    `koanf:"redis"`
	RabbitMQ   events.RabbitMQConfig `koanf:"rabbitmq"`
}

// HandoffConfig 在交接服务配置之外指定存储后端。
type HandoffConfig struct {
	handoff.Config `koanf:",squash"`
	// Store 为 memory、redis 或 sql，为空时跟随 storage.driver。
	Store       string        `koanf:"store"`
	RedisPrefix string        `koanf:"redis_prefix"`
	Retention   time.Duration `koanf:"retention"`
}

// FacilitatorConfig 描述远端结算服务。URL 为空时使用本进程的结算服务。
type FacilitatorConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
	Backoff time.Duration `koanf:"backoff"`
}

// PayerConfig 为资源付费时使用的签名私钥，留空则只返回报价。
type PayerConfig struct {
	PrivateKey    string `koanf:"private_key"`
	DomainName    string `koanf:"domain_name"`
	DomainVersion string `koanf:"domain_version"`
	AutoPay       bool   `koanf:"auto_pay"`
}

// AlertingConfig 配置告警 webhook。
type AlertingConfig struct {
	WebhookURL string `koanf:"webhook_url"`
	Slack      bool   `koanf:"slack"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `koanf:"data_dir"`
}

// Load 依次加载默认值、配置文件与环境变量。path 为空时只读取环境变量。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("设置默认值失败: %w", err)
		}
	}

	baseDir := "."
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("加载配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("加载环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// envKey 将 AGENTPAY_ESCROW__ESCROW_ADDRESS 映射为 escrow.escrow_address。
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":              "info",
		"log.format":             "json",
		"server.address":         ":8080",
		"server.service_id":      "agentpayd",
		"auth.mode":              string(auth.ModeDisabled),
		"storage.driver":         "memory",
		"events.driver":          "memory",
		"events.workers":         4,
		"events.buffer_size":     1024,
		"escrow.network":         "base-sepolia",
		"escrow.decimals":        6,
		"handoff.sweep_interval": "1m",
		"handoff.redis_prefix":   "agentpay:handoff:",
		"facilitator.timeout":    "10s",
		"facilitator.backoff":    "250ms",
		"telemetry.exporter":     "none",
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sql" && c.Storage.SQL.Driver == "" {
		c.Storage.SQL.Driver = "sqlite"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.SQL.Driver == "sqlite" && c.Storage.SQL.DSN == "" {
		c.Storage.SQL.DSN = filepath.Join(c.Runtime.DataDir, "agentpay.db")
	}

	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Handoff.Store == "" {
		switch c.Storage.Driver {
		case "sql":
			c.Handoff.Store = "sql"
		default:
			c.Handoff.Store = "memory"
		}
	}
	if c.Handoff.Retention <= 0 {
		c.Handoff.Retention = handoff.DefaultRetention
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 4
	}
	if c.Settlement.ChainIDs == nil {
		c.Settlement.ChainIDs = map[string]int64{}
	}
}

// Validate 检查组合配置是否自洽。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sql":
	default:
		return fmt.Errorf("storage.driver 不支持 %q", c.Storage.Driver)
	}
	switch c.Events.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("events.driver 不支持 %q", c.Events.Driver)
	}
	switch c.Handoff.Store {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("handoff.store 不支持 %q", c.Handoff.Store)
	}
	if c.Handoff.Store == "sql" && c.Storage.Driver != "sql" {
		return fmt.Errorf("handoff.store=sql 需要 storage.driver=sql")
	}
	if c.Handoff.Store == "redis" && c.Storage.Redis.Address == "" {
		return fmt.Errorf("handoff.store=redis 需要 storage.redis.address")
	}
	return nil
}
