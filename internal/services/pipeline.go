package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/doc-label-pipeline/internal/corpus"
	"github.com/fyerfyer/doc-label-pipeline/internal/docview"
	"github.com/fyerfyer/doc-label-pipeline/internal/embedding"
	"github.com/fyerfyer/doc-label-pipeline/internal/featurizer"
	"github.com/fyerfyer/doc-label-pipeline/pkg/storage"
)

// PipelineService 数据准备流水线服务
// 负责协调语料统计、嵌入表和三个构建阶段，并可选发布构建好的制品
type PipelineService struct {
	stats     *corpus.TokenStatistics  // 语料统计服务
	table     *embedding.CombinedTable // 嵌入表服务
	settings  featurizer.Settings      // 特征阶段配置
	publisher storage.Storage          // 制品发布存储（可选）
	logger    *logrus.Logger           // 日志记录器
}

// PipelineOption 流水线服务配置选项
type PipelineOption func(*PipelineService)

// WithLogger 设置日志记录器
func WithLogger(logger *logrus.Logger) PipelineOption {
	return func(s *PipelineService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher 设置制品发布存储
func WithPublisher(publisher storage.Storage) PipelineOption {
	return func(s *PipelineService) {
		s.publisher = publisher
	}
}

// NewPipelineService 创建一个新的流水线服务
func NewPipelineService(
	stats *corpus.TokenStatistics,
	table *embedding.CombinedTable,
	settings featurizer.Settings,
	opts ...PipelineOption,
) *PipelineService {
	srv := &PipelineService{
		stats:    stats,
		table:    table,
		settings: settings,
		logger:   logrus.New(), // 默认日志记录器
	}

	for _, opt := range opts {
		opt(srv)
	}

	return srv
}

// PrepareBucket 为一个桶构建到特征阶段为止的全部制品
// 已完成的阶段直接复用其产物，不做重复计算
func (s *PipelineService) PrepareBucket(ctx context.Context, bucketPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reader, err := featurizer.FeaturizedTokens(bucketPath, s.stats, s.table, s.settings, s.logger)
	if err != nil {
		return fmt.Errorf("failed to prepare bucket %s: %w", bucketPath, err)
	}
	return reader.Close()
}

// PublishBucket 把一个桶已构建的全部制品上传到发布存储
// 对象键为"桶号/制品文件名"
func (s *PipelineService) PublishBucket(ctx context.Context, bucketPath string) error {
	if s.publisher == nil {
		return fmt.Errorf("no artifact publisher configured")
	}

	bucketName := filepath.Base(bucketPath)
	entries, err := os.ReadDir(bucketPath)
	if err != nil {
		return fmt.Errorf("failed to read bucket directory: %w", err)
	}

	published := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".cols" {
			continue
		}

		key := bucketName + "/" + entry.Name()
		exists, err := s.publisher.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to check published artifact: %w", err)
		}
		if exists {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat artifact: %w", err)
		}
		file, err := os.Open(filepath.Join(bucketPath, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to open artifact: %w", err)
		}
		_, err = s.publisher.Save(ctx, file, info.Size(), key)
		file.Close()
		if err != nil {
			return fmt.Errorf("failed to publish artifact %s: %w", key, err)
		}

		s.logger.WithFields(logrus.Fields{
			"key":  key,
			"size": info.Size(),
		}).Info("Artifact published")
		published++
	}

	s.logger.WithFields(logrus.Fields{
		"bucket":    bucketName,
		"published": published,
	}).Info("Bucket published")
	return nil
}

// View 返回建立在本服务配置之上的文档视图
func (s *PipelineService) View() *docview.View {
	return docview.NewView(s.stats, s.table, s.settings, docview.WithLogger(s.logger))
}
