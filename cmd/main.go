package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	plconfig "github.com/fyerfyer/doc-label-pipeline/config"
	"github.com/fyerfyer/doc-label-pipeline/internal/corpus"
	"github.com/fyerfyer/doc-label-pipeline/internal/docview"
	"github.com/fyerfyer/doc-label-pipeline/internal/embedding"
	"github.com/fyerfyer/doc-label-pipeline/internal/featurizer"
	"github.com/fyerfyer/doc-label-pipeline/internal/services"
	"github.com/fyerfyer/doc-label-pipeline/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 命令行选项
type options struct {
	ConfigFile string // 配置文件路径
	Buckets    string // 逗号分隔的桶名列表，为空时处理全部桶
	TestOnly   bool   // 只处理测试集桶
	TrainOnly  bool   // 只处理训练集桶
	Publish    bool   // 构建完成后发布制品
}

func main() {
	opts := parseFlags()

	// 加载.env文件(如果存在)
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env file")
	}

	cfg, err := plconfig.Load(opts.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := setupLogger(cfg.Log)
	logger.Info("Starting document label pipeline...")

	// 监听中断信号，支持优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := setupPipeline(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize pipeline: %v", err)
	}

	buckets := resolveBuckets(opts)
	logger.WithField("bucket_count", len(buckets)).Info("Processing buckets")

	var failed int
	for _, bucket := range buckets {
		bucketPath := filepath.Join(cfg.Corpus.Dir, bucket)
		if _, err := os.Stat(bucketPath); os.IsNotExist(err) {
			logger.WithField("bucket", bucket).Debug("Bucket directory does not exist, skipping")
			continue
		}

		if err := pipeline.PrepareBucket(ctx, bucketPath); err != nil {
			if ctx.Err() != nil {
				logger.Warn("Interrupted, stopping")
				os.Exit(1)
			}
			logger.WithFields(logrus.Fields{
				"bucket": bucket,
				"error":  err.Error(),
			}).Error("Failed to prepare bucket")
			failed++
			continue
		}

		if opts.Publish {
			if err := pipeline.PublishBucket(ctx, bucketPath); err != nil {
				logger.WithFields(logrus.Fields{
					"bucket": bucket,
					"error":  err.Error(),
				}).Error("Failed to publish bucket")
				failed++
			}
		}
	}

	if failed > 0 {
		logger.WithField("failed", failed).Error("Pipeline finished with failures")
		os.Exit(1)
	}
	logger.Info("Pipeline finished successfully")
}

// parseFlags 解析命令行参数
func parseFlags() options {
	var opts options

	flag.StringVar(&opts.ConfigFile, "config", "", "path to config file")
	flag.StringVar(&opts.Buckets, "buckets", "", "comma-separated bucket names (default: all)")
	flag.BoolVar(&opts.TestOnly, "test", false, "process only test buckets")
	flag.BoolVar(&opts.TrainOnly, "train", false, "process only training buckets")
	flag.BoolVar(&opts.Publish, "publish", false, "publish artifacts after building")
	flag.Parse()

	return opts
}

// setupLogger 设置日志系统
func setupLogger(cfg plconfig.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch cfg.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	// 配置了日志文件时同时写入文件和标准输出，文件按大小滚动
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	return logger
}

// setupPipeline 初始化流水线服务及其依赖
func setupPipeline(cfg *plconfig.Config, logger *logrus.Logger) (*services.PipelineService, error) {
	stats := corpus.NewTokenStatistics(
		filepath.Join(cfg.Corpus.Dir, cfg.Corpus.StatsFile),
		corpus.WithStatsLogger(logger),
	)

	glove, err := embedding.NewGloveVectors(cfg.Model.VectorsFile, embedding.WithGloveLogger(logger))
	if err != nil {
		return nil, err
	}

	table := embedding.NewCombinedTable(stats, glove, cfg.Model.MinTokenFrequency,
		embedding.WithTableLogger(logger))

	settings := featurizer.Settings{
		MaxPageCount:      cfg.Model.MaxPageCount,
		FontHashSize:      cfg.Model.FontHashSize,
		MinTokenFrequency: cfg.Model.MinTokenFrequency,
		VectorsPath:       cfg.Model.VectorsFile,
	}

	serviceOpts := []services.PipelineOption{services.WithLogger(logger)}
	if cfg.Publish.Enable {
		publisher, err := setupPublisher(cfg.Publish)
		if err != nil {
			return nil, err
		}
		serviceOpts = append(serviceOpts, services.WithPublisher(publisher))
	}

	return services.NewPipelineService(stats, table, settings, serviceOpts...), nil
}

// setupPublisher 根据配置创建制品存储
func setupPublisher(cfg plconfig.PublishConfig) (storage.Storage, error) {
	switch cfg.Type {
	case "minio":
		return storage.NewMinioStorage(storage.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
		})
	default:
		return storage.NewLocalStorage(storage.LocalConfig{Path: cfg.Path})
	}
}

// resolveBuckets 解析待处理的桶列表
func resolveBuckets(opts options) []string {
	if opts.Buckets != "" {
		var buckets []string
		for _, name := range strings.Split(opts.Buckets, ",") {
			if name = strings.TrimSpace(name); name != "" {
				buckets = append(buckets, name)
			}
		}
		return buckets
	}

	switch {
	case opts.TestOnly:
		return docview.BucketNames(true)
	case opts.TrainOnly:
		return docview.BucketNames(false)
	default:
		return append(docview.BucketNames(false), docview.BucketNames(true)...)
	}
}
