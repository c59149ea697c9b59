package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalize 测试规范化形式
func TestNormalize(t *testing.T) {
	assert.Equal(t, "deep", Normalize("DEEP"))
	// NFKC把连字等兼容字符折叠成规范形式
	assert.Equal(t, "fine", Normalize("ﬁne"))
	assert.Equal(t, "2", Normalize("²"))
}

// TestTrimPunctuation 测试首尾句点清理
func TestTrimPunctuation(t *testing.T) {
	assert.Equal(t, "title", TrimPunctuation("...title..."))
	assert.Equal(t, "a . b", TrimPunctuation(" a . b "))
	assert.Equal(t, "", TrimPunctuation("..."))
	assert.Equal(t, "a.b", TrimPunctuation("a.b"))
}

// TestSanitizeNUL 测试NUL替换
func TestSanitizeNUL(t *testing.T) {
	assert.Equal(t, "a�b", SanitizeNUL("a\x00b"))
	assert.Equal(t, "plain", SanitizeNUL("plain"))
}

// TestLabelString 测试标签的字符串表示
func TestLabelString(t *testing.T) {
	assert.Equal(t, "none", LabelNone.String())
	assert.Equal(t, "title", LabelTitle.String())
	assert.Equal(t, "author", LabelAuthor.String())
	assert.Equal(t, "label(9)", Label(9).String())
}

// TestDocMetadataTokenCount 测试token总数统计
func TestDocMetadataTokenCount(t *testing.T) {
	meta := DocMetadata{Pages: []PageMeta{
		{TokenCount: 3},
		{TokenCount: 5},
	}}
	assert.Equal(t, 8, meta.TokenCount())
}
