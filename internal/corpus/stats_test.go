package corpus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStatsFile 写出一个gzip压缩的统计文件
func writeStatsFile(t *testing.T, dir string, content statsFile) string {
	t.Helper()
	path := filepath.Join(dir, "all.tokenstats.json.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	require.NoError(t, json.NewEncoder(zw).Encode(content))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

// TestPercentileProperties 测试分位函数的基本性质
func TestPercentileProperties(t *testing.T) {
	values := []float32{4, 8, 10, 12, 24}
	counts := []float32{1, 5, 100, 5, 1}
	p, err := NewPercentileFunction(values, counts)
	require.NoError(t, err)

	t.Run("min is near zero", func(t *testing.T) {
		assert.InDelta(t, 0.0, p.At(4), 0.05, "最小值的分位应接近0")
	})

	t.Run("max is near one", func(t *testing.T) {
		assert.InDelta(t, 1.0, p.At(24), 0.05, "最大值的分位应接近1")
	})

	t.Run("non-decreasing", func(t *testing.T) {
		prev := float32(-1)
		for v := float32(0); v <= 30; v += 0.5 {
			cur := p.At(v)
			assert.GreaterOrEqual(t, cur, prev, "分位函数必须单调不减")
			prev = cur
		}
	})

	t.Run("below min and above max", func(t *testing.T) {
		assert.InDelta(t, 0.0, p.At(-100), 0.01)
		assert.InDelta(t, 1.0, p.At(100), 0.01)
	})
}

// TestPercentileAveragesDominantMode 测试压倒性众数落在分位带的中间
func TestPercentileAveragesDominantMode(t *testing.T) {
	// 2个5.0号token，200个8.0号token：8.0应靠近0.5而不是1.0
	p, err := NewPercentileFunction([]float32{5, 8}, []float32{2, 200})
	require.NoError(t, err)

	got := p.At(8)
	assert.InDelta(t, 0.5, got, 0.01, "众数取含/不含端点分位的平均后应落在中段")
	assert.Less(t, got, float32(0.99), "不应退化为1.0")
}

// TestPercentileFromValues 测试从原始观测值构建
func TestPercentileFromValues(t *testing.T) {
	p, err := PercentileFromValues([]float32{3, 1, 2, 2, 2})
	require.NoError(t, err)

	assert.InDelta(t, 0.1, p.At(1), 0.01)
	assert.InDelta(t, 0.9, p.At(3), 0.01)
	assert.Less(t, p.At(1), p.At(2))
	assert.Less(t, p.At(2), p.At(3))

	_, err = PercentileFromValues(nil)
	assert.Error(t, err, "空观测值应报错")
}

// TestPercentileValidation 测试非法输入
func TestPercentileValidation(t *testing.T) {
	_, err := NewPercentileFunction([]float32{2, 1}, []float32{1, 1})
	assert.Error(t, err, "乱序取值应报错")

	_, err = NewPercentileFunction([]float32{1}, []float32{1, 2})
	assert.Error(t, err, "长度不一致应报错")

	_, err = NewPercentileFunction(nil, nil)
	assert.Error(t, err, "空输入应报错")
}

// TestTokenStatisticsLoad 测试统计文件加载与词表查询
func TestTokenStatisticsLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeStatsFile(t, dir, statsFile{
		Tokens: map[string]int64{
			"The":      60,
			"the":      40,
			"learning": 30,
			"deep":     20,
			"rare":     1,
		},
		FontSizes:   [][2]float32{{10, 100}, {8, 10}, {18, 5}},
		SpaceWidths: [][2]float32{{0.2, 50}, {0.3, 30}},
	})

	stats := NewTokenStatistics(path)

	t.Run("vocabulary merges case variants", func(t *testing.T) {
		tokens, err := stats.TokensWithMinimumFrequency(10)
		require.NoError(t, err)
		// "The"和"the"规范化后合并为100次，排在首位
		require.NotEmpty(t, tokens)
		assert.Equal(t, "the", tokens[0])
		assert.Equal(t, []string{"the", "learning", "deep"}, tokens)
	})

	t.Run("threshold cuts off low frequency tokens", func(t *testing.T) {
		tokens, err := stats.TokensWithMinimumFrequency(1)
		require.NoError(t, err)
		assert.Contains(t, tokens, "rare")

		tokens, err = stats.TokensWithMinimumFrequency(1000)
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})

	t.Run("percentile queries", func(t *testing.T) {
		lo, err := stats.FontSizePercentile(8)
		require.NoError(t, err)
		hi, err := stats.FontSizePercentile(18)
		require.NoError(t, err)
		assert.Less(t, lo, hi)

		vec, err := stats.SpaceWidthPercentiles([]float32{0.2, 0.3})
		require.NoError(t, err)
		require.Len(t, vec, 2)
		assert.Less(t, vec[0], vec[1])
	})
}

// TestTokenStatisticsMissingFile 测试文件缺失时的报错
func TestTokenStatisticsMissingFile(t *testing.T) {
	stats := NewTokenStatistics(filepath.Join(t.TempDir(), "nope.gz"))
	_, err := stats.TokensWithMinimumFrequency(1)
	assert.Error(t, err)
}
