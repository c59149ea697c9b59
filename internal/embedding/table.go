package embedding

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/doc-label-pipeline/internal/corpus"
	"github.com/fyerfyer/doc-label-pipeline/internal/models"
)

const (
	// OOVToken 词表外哨兵token，取值必须是分词器一定会破坏的字符串
	OOVToken = " ⚠ OOV ⚠ "
	// OOVIndex 词表外哨兵的固定索引，0保留给下游的掩码值
	OOVIndex = uint32(1)
	// firstTokenIndex 真实token的起始索引
	firstTokenIndex = uint32(2)
)

// CombinedTable 语料词表与预训练向量合并成的嵌入表
//
// 惰性构建；构建完成后只读，可以在并行调用方之间共享。
// 首次使用不做并发保护，并行前先显式调用Load。
type CombinedTable struct {
	stats        *corpus.TokenStatistics
	glove        *GloveVectors
	minTokenFreq int64
	logger       *logrus.Logger

	loaded      bool
	token2index map[string]uint32
	matrix      [][]float32
}

// TableOption 嵌入表配置选项
type TableOption func(*CombinedTable)

// WithTableLogger 设置日志记录器
func WithTableLogger(logger *logrus.Logger) TableOption {
	return func(t *CombinedTable) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewCombinedTable 创建嵌入表
func NewCombinedTable(stats *corpus.TokenStatistics, glove *GloveVectors, minTokenFreq int64, opts ...TableOption) *CombinedTable {
	t := &CombinedTable{
		stats:        stats,
		glove:        glove,
		minTokenFreq: minTokenFreq,
		logger:       logrus.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load 立即构建词表和嵌入矩阵
func (t *CombinedTable) Load() error {
	return t.ensureLoaded()
}

func (t *CombinedTable) ensureLoaded() error {
	if t.loaded {
		return nil
	}

	vocab, err := t.stats.TokensWithMinimumFrequency(t.minTokenFreq)
	if err != nil {
		return fmt.Errorf("failed to build vocabulary: %w", err)
	}

	// 真实token从2开始编号，1是OOV哨兵，0留给掩码
	t.token2index = make(map[string]uint32, len(vocab)+1)
	for i, token := range vocab {
		t.token2index[token] = firstTokenIndex + uint32(i)
	}
	t.token2index[OOVToken] = OOVIndex
	if len(t.token2index) != len(vocab)+1 {
		return fmt.Errorf("embedding table has duplicate vocabulary entries")
	}

	// 矩阵行0是掩码行，保持全零
	t.matrix = make([][]float32, len(t.token2index)+1)
	t.matrix[0] = make([]float32, t.glove.DimensionsWithMarker())
	inVocab := 0
	for token, index := range t.token2index {
		if index == 0 {
			return fmt.Errorf("embedding table assigned the reserved masking index")
		}
		vec, err := t.glove.VectorOrSynthetic(token)
		if err != nil {
			return fmt.Errorf("failed to build embedding for %q: %w", token, err)
		}
		t.matrix[index] = vec
		// 标记维的符号标识命中还是合成
		if index != OOVIndex && vec[0] > 0 {
			inVocab++
		}
	}

	t.loaded = true
	total := len(vocab)
	t.logger.WithFields(logrus.Fields{
		"vocab_size":  total,
		"pretrained":  inVocab,
		"synthesized": total - inVocab,
	}).Info("Embedding table built")
	return nil
}

// IndexForToken 返回token的词表索引
// 文本先规范化再查表；词表外的token一律返回OOV哨兵，绝不返回0
func (t *CombinedTable) IndexForToken(token string) (uint32, error) {
	if err := t.ensureLoaded(); err != nil {
		return 0, err
	}
	index, ok := t.token2index[models.Normalize(token)]
	if !ok {
		return OOVIndex, nil
	}
	if index == 0 {
		return 0, fmt.Errorf("embedding table returned the reserved masking index for %q", token)
	}
	return index, nil
}

// Dimensions 返回嵌入向量宽度（含标记维）
func (t *CombinedTable) Dimensions() (int, error) {
	if err := t.ensureLoaded(); err != nil {
		return 0, err
	}
	return t.glove.DimensionsWithMarker(), nil
}

// VocabSize 返回词表大小（不含掩码行）
func (t *CombinedTable) VocabSize() (int, error) {
	if err := t.ensureLoaded(); err != nil {
		return 0, err
	}
	return len(t.matrix) - 1, nil
}

// Matrix 返回完整嵌入矩阵，行0是全零掩码行
// 训练端直接以该矩阵初始化嵌入层
func (t *CombinedTable) Matrix() ([][]float32, error) {
	if err := t.ensureLoaded(); err != nil {
		return nil, err
	}
	return t.matrix, nil
}
