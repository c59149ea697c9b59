package models

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize 文本的规范化形式：小写 + Unicode NFKC兼容规范化
// 所有阶段的文本比较都必须使用这一种规范化，
// 规范化文本与原始文本混用会悄无声息地破坏匹配
func Normalize(s string) string {
	return norm.NFKC.String(strings.ToLower(s))
}

// TrimPunctuation 去掉字符串首尾的句点串和空白
func TrimPunctuation(s string) string {
	s = strings.TrimLeft(s, ".")
	s = strings.TrimRight(s, ".")
	return strings.TrimSpace(s)
}

// SanitizeNUL 将NUL字符替换为Unicode替换字符
// 列存储用NUL作为字符串分隔符，因此存入的文本不能含有NUL
func SanitizeNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "�")
}
