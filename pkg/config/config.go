package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var valid = validator.New()

// EnvPrefix 环境变量前缀（DFTW_GRR_PASSWORD -> grr.password）
const EnvPrefix = "DFTW"

// Config 全局配置结构体（聚合所有核心模块）
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server" comment:"指标HTTP服务配置"`
	Log        ZapLogConfig     `yaml:"log" mapstructure:"log" comment:"日志配置"`
	GRR        GRRConfig        `yaml:"grr" mapstructure:"grr" comment:"GRR服务配置"`
	Timesketch TimesketchConfig `yaml:"timesketch" mapstructure:"timesketch" comment:"Timesketch服务配置"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline" comment:"流水线执行配置"`
}

// ServerConfig 指标HTTP服务配置（超时统一为time.Duration，支持"30s"解析）
type ServerConfig struct {
	Enable       bool          `yaml:"enable" mapstructure:"enable" comment:"是否暴露 /metrics 与 /health" default:"false"`
	Addr         string        `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port" comment:"HTTP监听地址（格式：ip:port）"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"required,gt=0" comment:"读取超时时间（如30s）"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"required,gt=0" comment:"写入超时时间（如30s）"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"required,gt=0" comment:"空闲连接超时时间（如60s）"`
}

// ZapLogConfig 日志配置
type ZapLogConfig struct {
	Level     string `yaml:"level" mapstructure:"level" validate:"required,oneof=debug info warn error" comment:"日志级别" default:"info"`
	Format    string `yaml:"format" mapstructure:"format" validate:"required,oneof=json console" comment:"日志格式（json/console）" default:"json"`
	Path      string `yaml:"path" mapstructure:"path" validate:"required" comment:"日志存储路径" default:"./logs"`
	MaxSize   int    `yaml:"max_size" mapstructure:"max_size" validate:"required,gt=0" comment:"单个日志文件最大大小（MB）" default:"100"`
	MaxBackup int    `yaml:"max_backup" mapstructure:"max_backup" validate:"gte=0" comment:"日志文件最大备份数" default:"30"`
	MaxAge    int    `yaml:"max_age" mapstructure:"max_age" validate:"required,gt=0" comment:"日志文件最大保存天数" default:"7"`
}

// GRRConfig GRR 连接默认值，配方参数可覆盖
type GRRConfig struct {
	Endpoint  string   `yaml:"endpoint" mapstructure:"endpoint" validate:"required,url" comment:"GRR API 地址"`
	Username  string   `yaml:"username" mapstructure:"username" comment:"GRR 用户名"`
	Password  string   `yaml:"password" mapstructure:"password" comment:"GRR 密码（建议放在 .env）"`
	Approvers []string `yaml:"approvers" mapstructure:"approvers" comment:"默认审批人列表"`
	Verify    bool     `yaml:"verify" mapstructure:"verify" comment:"是否校验TLS证书" default:"true"`
}

// TimesketchConfig Timesketch 连接默认值，配方参数可覆盖
type TimesketchConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required,url" comment:"Timesketch 地址"`
	Username string `yaml:"username" mapstructure:"username" comment:"Timesketch 用户名"`
	Password string `yaml:"password" mapstructure:"password" comment:"Timesketch 密码（建议放在 .env）"`
	Verify   bool   `yaml:"verify" mapstructure:"verify" comment:"是否校验TLS证书" default:"true"`
}

// PipelineConfig 流水线执行参数
type PipelineConfig struct {
	MaxThreads           int           `yaml:"max_threads" mapstructure:"max_threads" validate:"gt=0" comment:"ThreadAware 模块默认并发数" default:"4"`
	ApprovalPollInterval time.Duration `yaml:"approval_poll_interval" mapstructure:"approval_poll_interval" validate:"gt=0" comment:"GRR审批轮询间隔" default:"30s"`
	ApprovalTimeout      time.Duration `yaml:"approval_timeout" mapstructure:"approval_timeout" validate:"gte=0" comment:"GRR审批等待上限，0为不限" default:"0"`
	TimelinePollInterval time.Duration `yaml:"timeline_poll_interval" mapstructure:"timeline_poll_interval" validate:"gt=0" comment:"时间线状态轮询间隔" default:"30s"`
	TimelineTimeout      time.Duration `yaml:"timeline_timeout" mapstructure:"timeline_timeout" validate:"gte=0" comment:"时间线等待上限，0为不限" default:"0"`
}

// NewDefaultConfig 创建默认配置（所有字段兜底，避免空值/非法值）
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enable:       false,
			Addr:         "127.0.0.1:9108",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Log: ZapLogConfig{
			Level:     "info",
			Format:    "json",
			Path:      "./logs",
			MaxSize:   100,
			MaxBackup: 30,
			MaxAge:    7,
		},
		GRR: GRRConfig{
			Endpoint:  "http://localhost:8000",
			Approvers: []string{},
			Verify:    true,
		},
		Timesketch: TimesketchConfig{
			Endpoint: "http://localhost:5000",
			Verify:   true,
		},
		Pipeline: PipelineConfig{
			MaxThreads:           4,
			ApprovalPollInterval: 30 * time.Second,
			TimelinePollInterval: 30 * time.Second,
		},
	}
}

// LoadConfigWithCli 支持 time.Duration，(Flags + YAML + .env + ENV)
func LoadConfigWithCli(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// 1. 绑定 Cobra Flags → Viper
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	// 2. 解析配置文件 (--config)
	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// 3. .env 只补充未设置的环境变量，文件不存在时忽略
	_ = godotenv.Load()
	return load(v)
}

// load 绑定环境变量后解码并校验
func load(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()

	// ENV -> Viper （DFTW_GRR_ENDPOINT -> grr.endpoint）
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	// 解码反序列化到结构体（支持 time.Duration）
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// 校验配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKeys 没有对应 flag 的键也要能从环境变量读取（AutomaticEnv 只覆盖已知键）
var envKeys = []string{
	"grr.endpoint", "grr.username", "grr.password", "grr.approvers", "grr.verify",
	"timesketch.endpoint", "timesketch.username", "timesketch.password", "timesketch.verify",
}

func bindEnvs(v *viper.Viper) {
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
}

// Validate 配置校验
func (c *Config) Validate() error {
	// 	1，校验Server服务配置（未启用时不检查地址）
	if c.Server.Enable {
		if err := c.Server.Validate(); err != nil {
			return err
		}
	}
	// 	2，校验日志配置
	if err := c.Log.Validate(); err != nil {
		return err
	}
	// 	3，校验远端服务配置
	if err := c.GRR.Validate(); err != nil {
		return err
	}
	if err := c.Timesketch.Validate(); err != nil {
		return err
	}
	// 	4，校验流水线配置
	return c.Pipeline.Validate()
}
