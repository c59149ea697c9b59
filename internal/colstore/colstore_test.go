package colstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWriteAndRead 测试制品的写入和读回
func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.cols")

	w, err := NewWriter(path)
	require.NoError(t, err)

	texts, err := w.StringColumn("token_text")
	require.NoError(t, err)
	require.NoError(t, texts.Append("Deep", "Learning"))
	require.NoError(t, texts.Append("NLP"))

	nums, err := w.Float32Column("token_numeric_features", 2)
	require.NoError(t, err)
	require.NoError(t, nums.AppendRow(1.5, -2.5))
	require.NoError(t, nums.AppendRow(0, 4))
	require.NoError(t, nums.AppendRow(7, 8))

	labels, err := w.Int8Column("token_labels")
	require.NoError(t, err)
	labels.Append(0, 1, 2)

	hashes, err := w.Uint32Column("token_hashed_text_features", 2)
	require.NoError(t, err)
	require.NoError(t, hashes.AppendRow(2, 17))
	require.NoError(t, hashes.AppendRow(1, 3))
	require.NoError(t, hashes.AppendRow(9, 9))

	require.NoError(t, w.Finalize())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	gotTexts, err := r.Strings("token_text")
	require.NoError(t, err)
	assert.Equal(t, []string{"Deep", "Learning", "NLP"}, gotTexts)

	gotNums, width, err := r.Float32("token_numeric_features")
	require.NoError(t, err)
	assert.Equal(t, 2, width)
	assert.Equal(t, []float32{1.5, -2.5, 0, 4, 7, 8}, gotNums)

	gotLabels, err := r.Int8("token_labels")
	require.NoError(t, err)
	assert.Equal(t, []int8{0, 1, 2}, gotLabels)

	gotHashes, width, err := r.Uint32("token_hashed_text_features")
	require.NoError(t, err)
	assert.Equal(t, 2, width)
	assert.Equal(t, []uint32{2, 17, 1, 3, 9, 9}, gotHashes)
}

// TestStringColumnRejectsNUL 测试字符串列拒绝NUL字符
func TestStringColumnRejectsNUL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "a.cols"))
	require.NoError(t, err)
	defer w.Abort()

	col, err := w.StringColumn("text")
	require.NoError(t, err)

	err = col.Append("bad\x00value")
	assert.ErrorIs(t, err, ErrNUL)

	// 经过清洗的文本可以存入
	assert.NoError(t, col.Append("bad�value"))
}

// TestDuplicateDataset 测试数据集名称冲突
func TestDuplicateDataset(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "a.cols"))
	require.NoError(t, err)
	defer w.Abort()

	_, err = w.StringColumn("text")
	require.NoError(t, err)
	_, err = w.Int8Column("text")
	assert.ErrorIs(t, err, ErrDatasetExists)
}

// TestAbortLeavesNothing 测试中止构建不留下任何文件
func TestAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aborted.cols")

	w, err := NewWriter(path)
	require.NoError(t, err)
	col, err := w.StringColumn("text")
	require.NoError(t, err)
	require.NoError(t, col.Append("data"))
	w.Abort()

	// 最终路径和临时文件都不应存在
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "中止后目录应为空")
}

// TestFinalizeIsAtomic 测试完成之前最终路径不可见
func TestFinalizeIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atomic.cols")

	w, err := NewWriter(path)
	require.NoError(t, err)
	_, err = w.StringColumn("text")
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "完成前最终路径不应存在")

	require.NoError(t, w.Finalize())

	_, err = os.Stat(path)
	assert.NoError(t, err)

	// 临时文件必须已被重命名
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestExternalLink 测试跨制品的外部链接
func TestExternalLink(t *testing.T) {
	dir := t.TempDir()

	// 基础制品持有真实数据
	base, err := NewWriter(filepath.Join(dir, "base.cols"))
	require.NoError(t, err)
	col, err := base.StringColumn("token_text")
	require.NoError(t, err)
	require.NoError(t, col.Append("hello", "world"))
	require.NoError(t, base.Finalize())

	// 派生制品通过链接复用基础制品的列
	derived, err := NewWriter(filepath.Join(dir, "derived.cols"))
	require.NoError(t, err)
	require.NoError(t, derived.Link("token_text", "base.cols", "token_text"))
	own, err := derived.Int8Column("token_labels")
	require.NoError(t, err)
	own.Append(1, 2)
	require.NoError(t, derived.Finalize())

	r, err := Open(filepath.Join(dir, "derived.cols"))
	require.NoError(t, err)
	defer r.Close()

	// 链接数据集应透明解析到基础制品
	texts, err := r.Strings("token_text")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, texts)

	labels, err := r.Int8("token_labels")
	require.NoError(t, err)
	assert.Equal(t, []int8{1, 2}, labels)
}

// TestEmptyStringRows 测试空字符串行的往返
func TestEmptyStringRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.cols")

	w, err := NewWriter(path)
	require.NoError(t, err)
	col, err := w.StringColumn("text")
	require.NoError(t, err)
	require.NoError(t, col.Append("", "a", ""))
	require.NoError(t, w.Finalize())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	texts, err := r.Strings("text")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "a", ""}, texts)
}

// TestMissingDataset 测试访问不存在的数据集
func TestMissingDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.cols")

	w, err := NewWriter(path)
	require.NoError(t, err)
	_, err = w.StringColumn("text")
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Strings("nope")
	assert.Error(t, err)
}
