// Package embedding 提供训练起点的嵌入表服务。
//
// 预训练向量文件与语料统计在这里合并：语料里频次达标的token构成
// 有界词表并获得稳定的整数索引，预训练表里查得到的token带+0.5标记
// 向量，查不到的由token文本的稳定哈希播种合成，带-0.5标记。同一个
// token在任何进程、任何运行里得到完全相同的向量。
package embedding

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/fyerfyer/doc-label-pipeline/internal/models"
)

// GloveVectors 预训练向量表
//
// 文件为gzip压缩的空白分隔文本，每行一个token加N个浮点数；
// 首行的字段数决定整个文件的向量宽度。构造时只读首行定宽，
// 完整的表惰性加载。
type GloveVectors struct {
	path   string
	dims   int
	logger *logrus.Logger

	loaded     bool
	vectors    [][]float32
	word2index map[string]int
	stddev     float32
}

// GloveOption 向量表配置选项
type GloveOption func(*GloveVectors)

// WithGloveLogger 设置日志记录器
func WithGloveLogger(logger *logrus.Logger) GloveOption {
	return func(g *GloveVectors) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGloveVectors 打开向量文件并确定向量宽度
func NewGloveVectors(path string, opts ...GloveOption) (*GloveVectors, error) {
	g := &GloveVectors{
		path:   path,
		logger: logrus.New(),
	}
	for _, opt := range opts {
		opt(g)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector file: %w", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read vector file: %w", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read vector file: %w", err)
		}
		return nil, fmt.Errorf("vector file %s is empty", path)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 2 {
		return nil, fmt.Errorf("vector file %s has a malformed first line", path)
	}
	g.dims = len(fields) - 1
	return g, nil
}

// Path 返回向量文件路径
func (g *GloveVectors) Path() string { return g.path }

// Dimensions 返回预训练向量的宽度
func (g *GloveVectors) Dimensions() int { return g.dims }

// DimensionsWithMarker 返回输出向量的宽度，多出的一维是来源标记
func (g *GloveVectors) DimensionsWithMarker() int { return g.dims + 1 }

// Load 立即加载完整向量表
func (g *GloveVectors) Load() error {
	return g.ensureLoaded()
}

func (g *GloveVectors) ensureLoaded() error {
	if g.loaded {
		return nil
	}

	f, err := os.Open(g.path)
	if err != nil {
		return fmt.Errorf("failed to open vector file: %w", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read vector file: %w", err)
	}
	defer zr.Close()

	g.word2index = make(map[string]int)
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		fields := strings.Fields(scanner.Text())
		if len(fields) != g.dims+1 {
			return fmt.Errorf("malformed vector at %s:%d", g.path, lineNumber)
		}
		word := models.Normalize(fields[0])
		vec := make([]float32, g.dims)
		for i, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return fmt.Errorf("malformed vector for %q at %s:%d: %w", word, g.path, lineNumber, err)
			}
			vec[i] = float32(v)
		}
		if _, ok := g.word2index[word]; !ok {
			g.word2index[word] = len(g.vectors)
			g.vectors = append(g.vectors, vec)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read vector file: %w", err)
	}
	if len(g.vectors) == 0 {
		return fmt.Errorf("vector file %s contains no vectors", g.path)
	}

	g.stddev = vectorsStdDev(g.vectors)
	g.loaded = true
	g.logger.WithFields(logrus.Fields{
		"path":       g.path,
		"vocab_size": len(g.vectors),
		"dimensions": g.dims,
	}).Info("Pretrained vectors loaded")
	return nil
}

// vectorsStdDev 计算整张表所有分量的经验标准差
func vectorsStdDev(vectors [][]float32) float32 {
	var sum, n float64
	for _, vec := range vectors {
		for _, v := range vec {
			sum += float64(v)
			n++
		}
	}
	mean := sum / n
	var sq float64
	for _, vec := range vectors {
		for _, v := range vec {
			d := float64(v) - mean
			sq += d * d
		}
	}
	return float32(math.Sqrt(sq / n))
}

// VocabSize 返回预训练表的词表大小
func (g *GloveVectors) VocabSize() (int, error) {
	if err := g.ensureLoaded(); err != nil {
		return 0, err
	}
	return len(g.vectors), nil
}

// Vector 查询规范化token的预训练向量
func (g *GloveVectors) Vector(word string) ([]float32, bool, error) {
	if err := g.ensureLoaded(); err != nil {
		return nil, false, err
	}
	idx, ok := g.word2index[models.Normalize(word)]
	if !ok {
		return nil, false, nil
	}
	return g.vectors[idx], true, nil
}

// VectorOrSynthetic 返回带来源标记的向量
// 预训练表命中时在向量前插入+0.5标记；未命中时从token文本的
// murmur3哈希播种，按表的经验标准差抽取正态向量并置-0.5标记。
func (g *GloveVectors) VectorOrSynthetic(word string) ([]float32, error) {
	vec, found, err := g.Vector(word)
	if err != nil {
		return nil, err
	}
	if found {
		out := make([]float32, g.dims+1)
		out[0] = 0.5
		copy(out[1:], vec)
		return out, nil
	}

	rng := rand.New(rand.NewSource(syntheticSeed(word)))
	out := make([]float32, g.dims+1)
	for i := range out {
		out[i] = float32(rng.NormFloat64()) * g.stddev
	}
	out[0] = -0.5
	return out, nil
}

// syntheticSeed 从规范化token文本导出可复现的随机种子
// murmur3是跨进程、跨实现稳定的哈希，任何地方对同一token都得到
// 同一个种子
func syntheticSeed(word string) int64 {
	h := int32(murmur3.Sum32([]byte(models.Normalize(word))))
	const m = int64(1)<<31 - 1
	seed := int64(h) % m
	if seed < 0 {
		seed += m
	}
	return seed
}
