// Package corpus 提供语料级token统计的只读服务。
//
// 统计文件由语料预处理端产出，内容为gzip压缩的JSON：token到频次的
// 映射，以及字号和空格宽度两个(取值, 计数)直方图。服务惰性加载，
// 加载后只读；首次使用不做并发保护，需要并行的调用方应先显式调用
// Load再共享实例。
package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/doc-label-pipeline/internal/models"
)

// statsFile 统计文件的JSON结构
type statsFile struct {
	Tokens      map[string]int64 `json:"tokens"`       // token -> 频次（未规范化）
	FontSizes   [][2]float32     `json:"font_sizes"`   // (字号, 计数)
	SpaceWidths [][2]float32     `json:"space_widths"` // (空格宽度, 计数)
}

// TokenCount 规范化后的token及其累计频次
type TokenCount struct {
	Token string
	Count int64
}

// TokenStatistics 语料统计服务
type TokenStatistics struct {
	path   string
	logger *logrus.Logger

	loaded        bool
	tokens        []TokenCount // 按频次降序
	fontSizePct   *PercentileFunction
	spaceWidthPct *PercentileFunction
}

// StatsOption 统计服务配置选项
type StatsOption func(*TokenStatistics)

// WithStatsLogger 设置日志记录器
func WithStatsLogger(logger *logrus.Logger) StatsOption {
	return func(s *TokenStatistics) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewTokenStatistics 创建统计服务，文件内容惰性加载
func NewTokenStatistics(path string, opts ...StatsOption) *TokenStatistics {
	s := &TokenStatistics{
		path:   path,
		logger: logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load 立即加载统计文件
// 并发使用前必须先完成一次Load，之后实例只读
func (s *TokenStatistics) Load() error {
	return s.ensureLoaded()
}

func (s *TokenStatistics) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open token statistics: %w", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read token statistics: %w", err)
	}
	defer zr.Close()

	var raw statsFile
	if err := json.NewDecoder(zr).Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode token statistics: %w", err)
	}

	// 规范化token并合并计数
	merged := make(map[string]int64, len(raw.Tokens))
	for token, count := range raw.Tokens {
		merged[models.Normalize(token)] += count
	}
	s.tokens = make([]TokenCount, 0, len(merged))
	for token, count := range merged {
		s.tokens = append(s.tokens, TokenCount{Token: token, Count: count})
	}
	// 频次降序，同频次按token字典序保证跨运行确定性
	sort.Slice(s.tokens, func(i, j int) bool {
		if s.tokens[i].Count != s.tokens[j].Count {
			return s.tokens[i].Count > s.tokens[j].Count
		}
		return s.tokens[i].Token < s.tokens[j].Token
	})

	if s.fontSizePct, err = histogramPercentiles(raw.FontSizes); err != nil {
		return fmt.Errorf("failed to build font size percentiles: %w", err)
	}
	if s.spaceWidthPct, err = histogramPercentiles(raw.SpaceWidths); err != nil {
		return fmt.Errorf("failed to build space width percentiles: %w", err)
	}

	s.loaded = true
	s.logger.WithFields(logrus.Fields{
		"path":   s.path,
		"tokens": len(s.tokens),
	}).Info("Token statistics loaded")
	return nil
}

// histogramPercentiles 把(取值,计数)直方图整理成分位函数
func histogramPercentiles(hist [][2]float32) (*PercentileFunction, error) {
	pairs := make([][2]float32, len(hist))
	copy(pairs, hist)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })

	values := make([]float32, len(pairs))
	counts := make([]float32, len(pairs))
	for i, p := range pairs {
		values[i] = p[0]
		counts[i] = p[1]
	}
	return NewPercentileFunction(values, counts)
}

// FontSizePercentile 查询单个字号的语料分位
func (s *TokenStatistics) FontSizePercentile(v float32) (float32, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	return s.fontSizePct.At(v), nil
}

// FontSizePercentiles 向量化的字号分位查询
func (s *TokenStatistics) FontSizePercentiles(vs []float32) ([]float32, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.fontSizePct.AtAll(vs), nil
}

// SpaceWidthPercentile 查询单个空格宽度的语料分位
func (s *TokenStatistics) SpaceWidthPercentile(v float32) (float32, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	return s.spaceWidthPct.At(v), nil
}

// SpaceWidthPercentiles 向量化的空格宽度分位查询
func (s *TokenStatistics) SpaceWidthPercentiles(vs []float32) ([]float32, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.spaceWidthPct.AtAll(vs), nil
}

// TokensWithMinimumFrequency 返回频次不低于minFreq的规范化token
// 结果按频次降序排列，依赖tokens本身有序所以可以提前截断
func (s *TokenStatistics) TokensWithMinimumFrequency(minFreq int64) ([]string, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	var out []string
	for _, tc := range s.tokens {
		if tc.Count < minFreq {
			break
		}
		out = append(out, tc.Token)
	}
	return out, nil
}
