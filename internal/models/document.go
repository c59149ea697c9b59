package models

import "fmt"

// Label token的分类标签
// 存储时使用int8，与标签列的列类型一致
type Label int8

const (
	// LabelNone 无标签
	LabelNone Label = 0
	// LabelTitle 标题token
	LabelTitle Label = 1
	// LabelAuthor 作者token
	LabelAuthor Label = 2
)

// String 实现fmt.Stringer接口
func (l Label) String() string {
	switch l {
	case LabelNone:
		return "none"
	case LabelTitle:
		return "title"
	case LabelAuthor:
		return "author"
	default:
		return fmt.Sprintf("label(%d)", int8(l))
	}
}

// GoldAuthor 参考元数据中的一位作者
type GoldAuthor struct {
	GivenNames string `json:"given_names"` // 名（可为空）
	Surname    string `json:"surname"`     // 姓（必须非空）
}

// Token 原始语料中的单个token
// 页面内的顺序即来源顺序，任何阶段都不允许重排
type Token struct {
	Text       string  // token文本
	Font       string  // 字体名称
	Left       float32 // 包围盒左边界
	Right      float32 // 包围盒右边界
	Top        float32 // 包围盒上边界
	Bottom     float32 // 包围盒下边界
	FontSize   float32 // 字体大小
	SpaceWidth float32 // 字体空格宽度
}

// DocMetadataVersion 文档元数据的当前模式版本
// 版本号随元数据结构的任何不兼容变更递增
const DocMetadataVersion = 1

// PageMeta 单页在列存储中的边界信息
type PageMeta struct {
	Width           float32 `json:"width"`             // 页面宽度
	Height          float32 `json:"height"`            // 页面高度
	FirstTokenIndex int     `json:"first_token_index"` // 页面首个token在列中的行号
	TokenCount      int     `json:"token_count"`       // 页面token数量
}

// DocMetadata 每个文档在制品中的元数据记录
// 以带版本号的JSON形式存入doc_metadata数据集
type DocMetadata struct {
	Version     int          `json:"version"`                // 模式版本
	DocID       string       `json:"doc_id"`                 // 文档ID（斜杠分隔）
	DocSha      string       `json:"doc_sha"`                // 40位十六进制内容哈希
	GoldTitle   string       `json:"gold_title,omitempty"`   // 标注阶段之后才有值
	GoldAuthors []GoldAuthor `json:"gold_authors,omitempty"` // 标注阶段之后才有值
	Pages       []PageMeta   `json:"pages"`                  // 页面边界列表
}

// TokenCount 返回文档所有页面的token总数
func (m *DocMetadata) TokenCount() int {
	total := 0
	for _, p := range m.Pages {
		total += p.TokenCount
	}
	return total
}
