package docview

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/doc-label-pipeline/internal/colstore"
	"github.com/fyerfyer/doc-label-pipeline/internal/corpus"
	"github.com/fyerfyer/doc-label-pipeline/internal/embedding"
	"github.com/fyerfyer/doc-label-pipeline/internal/featurizer"
	"github.com/fyerfyer/doc-label-pipeline/internal/labeler"
	"github.com/fyerfyer/doc-label-pipeline/internal/models"
	"github.com/fyerfyer/doc-label-pipeline/internal/tokenstore"
)

// 桶号按首字节划分训练集和测试集
const (
	trainBucketEnd = 0xf0
	bucketEnd      = 0x100
)

// Page 从特征产物重建出的一页
// 所有切片都是产物内存上的视图，产物句柄关闭前一直有效
type Page struct {
	PageNumber      int
	Width           float32
	Height          float32
	Texts           []string
	Fonts           []string
	HashedFeatures  []uint32  // 行宽2：词表索引、字体哈希（均已加一）
	NumericFeatures []float32 // 行宽6：原始包围盒和字体测量
	ScaledFeatures  []float32 // 行宽17：归一化数值特征
	Labels          []int8
}

// TokenCount 返回该页的token数
func (p *Page) TokenCount() int { return len(p.Texts) }

// TokenHash 返回第i个token存储的词表索引
func (p *Page) TokenHash(i int) uint32 {
	return p.HashedFeatures[i*featurizer.HashedFeatureWidth]
}

// FontHash 返回第i个token存储的字体哈希
func (p *Page) FontHash(i int) uint32 {
	return p.HashedFeatures[i*featurizer.HashedFeatureWidth+1]
}

// Label 返回第i个token的标签
func (p *Page) Label(i int) models.Label {
	return models.Label(p.Labels[i])
}

// Document 从特征产物重建出的一个文档
type Document struct {
	DocID       string
	DocSha      string
	GoldTitle   string
	GoldAuthors []models.GoldAuthor
	Pages       []Page
}

// Option View的配置选项
type Option func(*View)

// WithLogger 设置日志器
func WithLogger(logger *logrus.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// View 特征产物之上的文档重建视图
// 打开过的产物句柄缓存复用，文档切片引用句柄内存，
// 调用Close之前句柄保持打开
type View struct {
	stats    *corpus.TokenStatistics
	table    *embedding.CombinedTable
	settings featurizer.Settings
	logger   *logrus.Logger
	readers  *gocache.Cache
}

// NewView 创建文档视图
func NewView(stats *corpus.TokenStatistics, table *embedding.CombinedTable, settings featurizer.Settings, opts ...Option) *View {
	view := &View{
		stats:    stats,
		table:    table,
		settings: settings,
		logger:   logrus.StandardLogger(),
		readers:  gocache.New(gocache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(view)
	}
	return view
}

// reader 返回桶的特征产物句柄，必要时构建产物
func (v *View) reader(bucketPath string) (*colstore.Reader, error) {
	if cached, ok := v.readers.Get(bucketPath); ok {
		return cached.(*colstore.Reader), nil
	}
	reader, err := featurizer.FeaturizedTokens(bucketPath, v.stats, v.table, v.settings, v.logger)
	if err != nil {
		return nil, err
	}
	v.readers.Set(bucketPath, reader, gocache.NoExpiration)
	return reader, nil
}

// Close 关闭全部缓存的产物句柄
// 关闭后已发出的文档切片不再可用
func (v *View) Close() error {
	var firstErr error
	for key, item := range v.readers.Items() {
		if err := item.Object.(*colstore.Reader).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		v.readers.Delete(key)
	}
	return firstErr
}

// DocumentsForBucket 重建一个桶里的全部文档并逐个回调
func (v *View) DocumentsForBucket(bucketPath string, fn func(*Document) error) error {
	reader, err := v.reader(bucketPath)
	if err != nil {
		return err
	}

	metaRows, err := reader.Strings(tokenstore.DatasetDocMetadata)
	if err != nil {
		return err
	}
	texts, err := reader.Strings(tokenstore.DatasetTokenText)
	if err != nil {
		return err
	}
	fonts, err := reader.Strings(tokenstore.DatasetTokenFont)
	if err != nil {
		return err
	}
	numeric, _, err := reader.Float32(tokenstore.DatasetTokenNumericFeatures)
	if err != nil {
		return err
	}
	labels, err := reader.Int8(labeler.DatasetTokenLabels)
	if err != nil {
		return err
	}
	hashed, _, err := reader.Uint32(featurizer.DatasetHashedTextFeatures)
	if err != nil {
		return err
	}
	scaled, _, err := reader.Float32(featurizer.DatasetScaledNumericFeatures)
	if err != nil {
		return err
	}

	for _, metaRow := range metaRows {
		var meta models.DocMetadata
		if err := json.Unmarshal([]byte(metaRow), &meta); err != nil {
			return fmt.Errorf("failed to decode document metadata: %w", err)
		}

		doc := &Document{
			DocID:       meta.DocID,
			DocSha:      meta.DocSha,
			GoldTitle:   models.TrimPunctuation(meta.GoldTitle),
			GoldAuthors: meta.GoldAuthors,
		}
		for pageNumber, pageMeta := range meta.Pages {
			first, count := pageMeta.FirstTokenIndex, pageMeta.TokenCount
			doc.Pages = append(doc.Pages, Page{
				PageNumber:      pageNumber,
				Width:           pageMeta.Width,
				Height:          pageMeta.Height,
				Texts:           texts[first : first+count],
				Fonts:           fonts[first : first+count],
				HashedFeatures:  hashed[first*featurizer.HashedFeatureWidth : (first+count)*featurizer.HashedFeatureWidth],
				NumericFeatures: numeric[first*tokenstore.NumericFeatureWidth : (first+count)*tokenstore.NumericFeatureWidth],
				ScaledFeatures:  scaled[first*featurizer.ScaledFeatureWidth : (first+count)*featurizer.ScaledFeatureWidth],
				Labels:          labels[first : first+count],
			})
		}

		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// BucketNames 返回训练集或测试集的全部桶号
// 按首字节确定性切分：0x00-0xef训练，0xf0-0xff测试
func BucketNames(test bool) []string {
	start, end := 0, trainBucketEnd
	if test {
		start, end = trainBucketEnd, bucketEnd
	}
	names := make([]string, 0, end-start)
	for bucket := start; bucket < end; bucket++ {
		names = append(names, fmt.Sprintf("%02x", bucket))
	}
	return names
}

// Documents 遍历语料目录下一个切分的全部文档
func (v *View) Documents(corpusDir string, test bool, fn func(*Document) error) error {
	for _, bucket := range BucketNames(test) {
		if err := v.DocumentsForBucket(filepath.Join(corpusDir, bucket), fn); err != nil {
			return err
		}
	}
	return nil
}
