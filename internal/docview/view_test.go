package docview

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/doc-label-pipeline/internal/colstore"
	"github.com/fyerfyer/doc-label-pipeline/internal/corpus"
	"github.com/fyerfyer/doc-label-pipeline/internal/embedding"
	"github.com/fyerfyer/doc-label-pipeline/internal/featurizer"
	"github.com/fyerfyer/doc-label-pipeline/internal/models"
	"github.com/fyerfyer/doc-label-pipeline/internal/tokenstore"
)

const docSha = "0123456789abcdef0123456789abcdef01234567"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestServices 构建测试用的统计服务和嵌入表
func newTestServices(t *testing.T, dir string) (*corpus.TokenStatistics, *embedding.CombinedTable, string) {
	t.Helper()
	statsPath := filepath.Join(dir, "stats.json.gz")
	f, err := os.Create(statsPath)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	require.NoError(t, json.NewEncoder(zw).Encode(map[string]interface{}{
		"tokens": map[string]int64{
			"deep": 100, "learning": 90, "for": 80, "nlp": 70,
			"john": 60, "smith": 50,
		},
		"font_sizes":   [][2]float32{{12, 50}, {18, 50}},
		"space_widths": [][2]float32{{0.2, 50}, {0.3, 50}},
	}))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	stats := corpus.NewTokenStatistics(statsPath)

	glovePath := filepath.Join(dir, "vectors.txt.gz")
	f, err = os.Create(glovePath)
	require.NoError(t, err)
	zw = gzip.NewWriter(f)
	_, err = zw.Write([]byte("deep 0.1 0.2\nlearning 0.3 0.4\nfor 0.5 0.6\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	glove, err := embedding.NewGloveVectors(glovePath)
	require.NoError(t, err)

	return stats, embedding.NewCombinedTable(stats, glove, 10), glovePath
}

// writeTestBucket 准备一个带原始token产物和参考元数据的桶
func writeTestBucket(t *testing.T, bucket string) {
	t.Helper()
	writer, err := colstore.NewWriter(tokenstore.ArtifactPath(bucket))
	require.NoError(t, err)

	metaCol, err := writer.StringColumn(tokenstore.DatasetDocMetadata)
	require.NoError(t, err)
	textCol, err := writer.StringColumn(tokenstore.DatasetTokenText)
	require.NoError(t, err)
	fontCol, err := writer.StringColumn(tokenstore.DatasetTokenFont)
	require.NoError(t, err)
	numericCol, err := writer.Float32Column(tokenstore.DatasetTokenNumericFeatures, tokenstore.NumericFeatureWidth)
	require.NoError(t, err)

	tokens := []string{"Deep", "Learning", "for", "NLP", "John", "Smith"}
	fontSizes := []float32{18, 18, 18, 18, 12, 12}
	for i, token := range tokens {
		require.NoError(t, textCol.Append(token))
		require.NoError(t, fontCol.Append("Times-Roman"))
		left := float32(i) * 30
		require.NoError(t, numericCol.AppendRow(left, left+25, 100, 112, fontSizes[i], 0.25))
	}

	meta := models.DocMetadata{
		Version: models.DocMetadataVersion,
		DocID:   docSha + "/paper.pdf",
		DocSha:  docSha,
		Pages: []models.PageMeta{{
			Width:           612,
			Height:          792,
			FirstTokenIndex: 0,
			TokenCount:      len(tokens),
		}},
	}
	encoded, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, metaCol.Append(string(encoded)))
	require.NoError(t, writer.Finalize())

	nxmlPath := filepath.Join(bucket, "docs", docSha, "paper.nxml")
	require.NoError(t, os.MkdirAll(filepath.Dir(nxmlPath), 0o755))
	require.NoError(t, os.WriteFile(nxmlPath, []byte(`<article><front><article-meta>
		<title-group><article-title>Deep Learning for NLP</article-title></title-group>
		<contrib-group><contrib contrib-type="author">
			<name><given-names>John</given-names><surname>Smith</surname></name>
		</contrib></contrib-group>
		</article-meta></front></article>`), 0o644))
}

// TestDocumentsForBucket 测试从原始转储到文档视图的端到端流水线
func TestDocumentsForBucket(t *testing.T) {
	corpusDir := t.TempDir()
	bucket := filepath.Join(corpusDir, "00")
	require.NoError(t, os.MkdirAll(bucket, 0o755))
	writeTestBucket(t, bucket)

	stats, table, glovePath := newTestServices(t, corpusDir)
	view := NewView(stats, table, featurizer.Settings{
		MaxPageCount:      3,
		FontHashSize:      4096,
		MinTokenFrequency: 10,
		VectorsPath:       glovePath,
	}, WithLogger(testLogger()))
	defer view.Close()

	var docs []*Document
	require.NoError(t, view.DocumentsForBucket(bucket, func(doc *Document) error {
		docs = append(docs, doc)
		return nil
	}))
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, docSha, doc.DocSha)
	assert.Equal(t, "Deep Learning for NLP", doc.GoldTitle)
	require.Len(t, doc.GoldAuthors, 1)
	assert.Equal(t, "John", doc.GoldAuthors[0].GivenNames)
	assert.Equal(t, "Smith", doc.GoldAuthors[0].Surname)

	require.Len(t, doc.Pages, 1)
	page := doc.Pages[0]
	assert.Equal(t, float32(612), page.Width)
	assert.Equal(t, float32(792), page.Height)
	require.Equal(t, 6, page.TokenCount())
	assert.Equal(t, []string{"Deep", "Learning", "for", "NLP", "John", "Smith"}, page.Texts)

	// 标题和作者的弱监督标签
	expected := []models.Label{
		models.LabelTitle, models.LabelTitle, models.LabelTitle, models.LabelTitle,
		models.LabelAuthor, models.LabelAuthor,
	}
	for i, label := range expected {
		assert.Equal(t, label, page.Label(i), "token %d", i)
	}

	// 每个token都有词表索引和字体哈希，且都非零
	for i := 0; i < page.TokenCount(); i++ {
		assert.NotZero(t, page.TokenHash(i))
		assert.NotZero(t, page.FontHash(i))
	}

	// 数值特征切片与token数对齐
	assert.Len(t, page.NumericFeatures, 6*tokenstore.NumericFeatureWidth)
	assert.Len(t, page.ScaledFeatures, 6*featurizer.ScaledFeatureWidth)
	for _, value := range page.ScaledFeatures {
		assert.GreaterOrEqual(t, value, float32(-0.5))
		assert.LessOrEqual(t, value, float32(0.5))
	}
}

// TestBucketNames 测试训练/测试桶的确定性切分
func TestBucketNames(t *testing.T) {
	train := BucketNames(false)
	test := BucketNames(true)

	assert.Len(t, train, 0xf0)
	assert.Len(t, test, 0x10)
	assert.Equal(t, "00", train[0])
	assert.Equal(t, "ef", train[len(train)-1])
	assert.Equal(t, "f0", test[0])
	assert.Equal(t, "ff", test[len(test)-1])

	// 两个切分不相交
	seen := make(map[string]struct{})
	for _, name := range train {
		seen[name] = struct{}{}
	}
	for _, name := range test {
		_, ok := seen[name]
		assert.False(t, ok)
	}
}

// TestViewReusesReader 测试产物句柄的缓存复用
func TestViewReusesReader(t *testing.T) {
	corpusDir := t.TempDir()
	bucket := filepath.Join(corpusDir, "00")
	require.NoError(t, os.MkdirAll(bucket, 0o755))
	writeTestBucket(t, bucket)

	stats, table, glovePath := newTestServices(t, corpusDir)
	view := NewView(stats, table, featurizer.Settings{
		MaxPageCount:      3,
		FontHashSize:      4096,
		MinTokenFrequency: 10,
		VectorsPath:       glovePath,
	}, WithLogger(testLogger()))
	defer view.Close()

	count := func() int {
		n := 0
		require.NoError(t, view.DocumentsForBucket(bucket, func(*Document) error {
			n++
			return nil
		}))
		return n
	}
	assert.Equal(t, 1, count())
	assert.Equal(t, 1, count())
}
