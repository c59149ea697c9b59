package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 应用程序配置结构体
type Config struct {
	Corpus  CorpusConfig  `mapstructure:"corpus"`
	Model   ModelConfig   `mapstructure:"model"`
	Log     LogConfig     `mapstructure:"log"`
	Publish PublishConfig `mapstructure:"publish"`
}

// CorpusConfig 语料目录配置
type CorpusConfig struct {
	Dir       string `mapstructure:"dir" validate:"required"`        // 语料根目录，每个桶一个子目录
	StatsFile string `mapstructure:"stats_file" validate:"required"` // 语料统计文件名（相对语料根目录）
}

// ModelConfig 特征阶段与嵌入表配置
type ModelConfig struct {
	MaxPageCount      int    `mapstructure:"max_page_count" validate:"gt=0"`      // 每个文档的页数上限
	FontHashSize      uint32 `mapstructure:"font_hash_size" validate:"gt=0"`      // 字体哈希空间大小
	MinTokenFrequency int64  `mapstructure:"min_token_frequency" validate:"gt=0"` // 进入词表的最小语料频次
	VectorsFile       string `mapstructure:"vectors_file" validate:"required"`    // 预训练向量文件路径
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别：debug, info, warn, error
	File       string `mapstructure:"file"`        // 日志文件路径，为空时只写标准输出
	MaxSize    int    `mapstructure:"max_size"`    // 单个日志文件上限(MB)
	MaxBackups int    `mapstructure:"max_backups"` // 保留的历史日志文件数
	MaxAge     int    `mapstructure:"max_age"`     // 历史日志保留天数
}

// PublishConfig 制品发布配置
type PublishConfig struct {
	Enable    bool   `mapstructure:"enable"`     // 是否发布构建好的制品
	Type      string `mapstructure:"type"`       // 存储类型：local 或 minio
	Path      string `mapstructure:"path"`       // 本地存储路径
	Bucket    string `mapstructure:"bucket"`     // MinIO桶名称
	Endpoint  string `mapstructure:"endpoint"`   // MinIO端点
	AccessKey string `mapstructure:"access_key"` // 访问密钥ID
	SecretKey string `mapstructure:"secret_key"` // 秘密访问密钥
	UseSSL    bool   `mapstructure:"use_ssl"`    // 是否使用SSL
}

// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	var config Config

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		log.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	setDefaults(v)

	// 支持环境变量覆盖
	v.SetEnvPrefix("pipeline")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}

	return &config, nil
}

// setDefaults 设置配置的默认值
func setDefaults(v *viper.Viper) {
	// 语料默认配置
	v.SetDefault("corpus.dir", "./corpus")
	v.SetDefault("corpus.stats_file", "all.tokenstats.json.gz")

	// 模型默认配置
	v.SetDefault("model.max_page_count", 3)
	v.SetDefault("model.font_hash_size", 4096)
	v.SetDefault("model.min_token_frequency", 10)
	v.SetDefault("model.vectors_file", "./glove.6B.100d.txt.gz")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)

	// 发布默认配置
	v.SetDefault("publish.enable", false)
	v.SetDefault("publish.type", "local")
	v.SetDefault("publish.path", "./published")
	v.SetDefault("publish.bucket", "doc-label-artifacts")
	v.SetDefault("publish.use_ssl", false)
}
