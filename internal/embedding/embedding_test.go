package embedding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/doc-label-pipeline/internal/corpus"
)

// writeGloveFile 写出一个gzip压缩的向量文件
func writeGloveFile(t *testing.T, dir string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, "vectors.txt.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	for _, line := range lines {
		_, err := zw.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

// writeTestStats 写出测试用统计文件并返回服务
func writeTestStats(t *testing.T, dir string, tokens map[string]int64) *corpus.TokenStatistics {
	t.Helper()
	content := map[string]interface{}{
		"tokens":       tokens,
		"font_sizes":   [][2]float32{{10, 100}},
		"space_widths": [][2]float32{{0.25, 100}},
	}
	path := filepath.Join(dir, "stats.json.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	require.NoError(t, json.NewEncoder(zw).Encode(content))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return corpus.NewTokenStatistics(path)
}

// TestGloveVectors 测试预训练向量表的加载
func TestGloveVectors(t *testing.T) {
	dir := t.TempDir()
	path := writeGloveFile(t, dir, []string{
		"deep 0.1 0.2 0.3",
		"learning -0.1 0.0 0.1",
		"The 0.5 0.5 0.5",
	})

	glove, err := NewGloveVectors(path)
	require.NoError(t, err)

	// 首行决定向量宽度
	assert.Equal(t, 3, glove.Dimensions())
	assert.Equal(t, 4, glove.DimensionsWithMarker())

	t.Run("lookup is normalized", func(t *testing.T) {
		vec, found, err := glove.Vector("DEEP")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

		// 文件里的"The"加载时也被规范化
		_, found, err = glove.Vector("the")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("found vectors carry positive marker", func(t *testing.T) {
		vec, err := glove.VectorOrSynthetic("deep")
		require.NoError(t, err)
		require.Len(t, vec, 4)
		assert.Equal(t, float32(0.5), vec[0])
		assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec[1:])
	})

	t.Run("missing vectors are synthesized deterministically", func(t *testing.T) {
		a, err := glove.VectorOrSynthetic("zzzunknown")
		require.NoError(t, err)
		b, err := glove.VectorOrSynthetic("zzzunknown")
		require.NoError(t, err)
		require.Len(t, a, 4)
		assert.Equal(t, float32(-0.5), a[0], "合成向量带-0.5标记")
		assert.Equal(t, a, b, "同一token两次合成必须得到相同向量")

		c, err := glove.VectorOrSynthetic("zzzother")
		require.NoError(t, err)
		assert.NotEqual(t, a[1:], c[1:], "不同token的合成向量应不同")
	})
}

// TestGloveVectorsMissingFile 测试向量文件缺失
func TestGloveVectorsMissingFile(t *testing.T) {
	_, err := NewGloveVectors(filepath.Join(t.TempDir(), "nope.gz"))
	assert.Error(t, err)
}

// TestCombinedTableIndices 测试词表索引分配
func TestCombinedTableIndices(t *testing.T) {
	dir := t.TempDir()
	glovePath := writeGloveFile(t, dir, []string{
		"deep 0.1 0.2",
		"learning 0.3 0.4",
	})
	glove, err := NewGloveVectors(glovePath)
	require.NoError(t, err)

	stats := writeTestStats(t, dir, map[string]int64{
		"deep":     100,
		"learning": 50,
		"nlp":      20,
		"rare":     1,
	})

	table := NewCombinedTable(stats, glove, 10)

	t.Run("indices start at two", func(t *testing.T) {
		// 频次最高的token拿到最小的真实索引
		idx, err := table.IndexForToken("deep")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), idx)
	})

	t.Run("index zero is never returned", func(t *testing.T) {
		for _, tok := range []string{"deep", "learning", "nlp", "rare", "never-seen"} {
			idx, err := table.IndexForToken(tok)
			require.NoError(t, err)
			assert.NotZero(t, idx, "任何查询都不得返回掩码索引0")
		}
	})

	t.Run("case variants share an index", func(t *testing.T) {
		a, err := table.IndexForToken("Deep")
		require.NoError(t, err)
		b, err := table.IndexForToken("DEEP")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("unknown tokens resolve to the OOV sentinel", func(t *testing.T) {
		idx, err := table.IndexForToken("never-seen")
		require.NoError(t, err)
		assert.Equal(t, OOVIndex, idx)

		// 频次不达标的token同样是OOV
		idx, err = table.IndexForToken("rare")
		require.NoError(t, err)
		assert.Equal(t, OOVIndex, idx)
	})
}

// TestCombinedTableMatrix 测试嵌入矩阵的形状和标记
func TestCombinedTableMatrix(t *testing.T) {
	dir := t.TempDir()
	glovePath := writeGloveFile(t, dir, []string{
		"deep 0.1 0.2",
		"learning 0.3 0.4",
	})
	glove, err := NewGloveVectors(glovePath)
	require.NoError(t, err)

	stats := writeTestStats(t, dir, map[string]int64{
		"deep": 100,
		"nlp":  50,
	})
	table := NewCombinedTable(stats, glove, 10)

	matrix, err := table.Matrix()
	require.NoError(t, err)
	// 行：掩码 + OOV + 2个词表token
	require.Len(t, matrix, 4)

	// 行0是全零掩码行
	for _, v := range matrix[0] {
		assert.Zero(t, v)
	}

	// 所有行宽一致
	dims, err := table.Dimensions()
	require.NoError(t, err)
	for i, row := range matrix {
		assert.Len(t, row, dims, fmt.Sprintf("行%d宽度不一致", i))
	}

	// "deep"命中预训练表，标记为正；"nlp"是合成的，标记为负
	deepIdx, err := table.IndexForToken("deep")
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), matrix[deepIdx][0])

	nlpIdx, err := table.IndexForToken("nlp")
	require.NoError(t, err)
	assert.Equal(t, float32(-0.5), matrix[nlpIdx][0])

	vocabSize, err := table.VocabSize()
	require.NoError(t, err)
	assert.Equal(t, 3, vocabSize)
}
