package labeler

import (
	"encoding/xml"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/fyerfyer/doc-label-pipeline/internal/models"
)

var (
	wordPattern        = regexp.MustCompile(`[\p{L}_]+|\p{N}+|\S`)
	wordCharactersOnly = regexp.MustCompile(`^[\p{L}\p{N}_]+$`)
)

// GoldMetadata 从参考元数据里抽取出的金标题和金作者
type GoldMetadata struct {
	Title   string
	Authors []models.GoldAuthor
}

// innerText 收集一个XML元素任意深度的全部文本内容
type innerText struct {
	Text string
}

func (t *innerText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			sb.Write(v)
		}
	}
	t.Text = sb.String()
	return nil
}

type nxmlName struct {
	GivenNames []innerText `xml:"given-names"`
	Surnames   []innerText `xml:"surname"`
}

type nxmlContrib struct {
	Type  string     `xml:"contrib-type,attr"`
	Names []nxmlName `xml:"name"`
}

type nxmlArticle struct {
	Front struct {
		ArticleMeta struct {
			TitleGroups []struct {
				ArticleTitles []innerText `xml:"article-title"`
			} `xml:"title-group"`
			ContribGroups []struct {
				Contribs []nxmlContrib `xml:"contrib"`
			} `xml:"contrib-group"`
		} `xml:"article-meta"`
	} `xml:"front"`
}

// tokenize 把字符串切成字母串、数字串和单个符号
func tokenize(s string) []string {
	return wordPattern.FindAllString(s, -1)
}

// joinedText 拼接多个节点的内部文本
func joinedText(nodes []innerText) string {
	parts := make([]string, 0, len(nodes))
	for _, node := range nodes {
		parts = append(parts, node.Text)
	}
	return strings.Join(parts, " ")
}

// ReadGoldMetadata 解析参考元数据文件并做一致性校验
// 任一校验失败都返回错误，调用方应跳过该文档而不是中断批处理
func ReadGoldMetadata(path string) (*GoldMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var article nxmlArticle
	if err := xml.Unmarshal(data, &article); err != nil {
		return nil, fmt.Errorf("failed to parse reference metadata: %w", err)
	}

	var titles []innerText
	for _, group := range article.Front.ArticleMeta.TitleGroups {
		titles = append(titles, group.ArticleTitles...)
	}
	if len(titles) != 1 {
		return nil, fmt.Errorf("found %d gold titles, expected exactly one", len(titles))
	}
	title := strings.Join(tokenize(titles[0].Text), " ")
	title = models.TrimPunctuation(title)
	if len([]rune(title)) <= 4 {
		return nil, fmt.Errorf("title %q is too short", title)
	}

	authorNodeCount := 0
	var authors []models.GoldAuthor
	for _, group := range article.Front.ArticleMeta.ContribGroups {
		for _, contrib := range group.Contribs {
			if contrib.Type != "author" {
				continue
			}
			for _, name := range contrib.Names {
				authorNodeCount++
				givenNames := strings.Join(tokenize(joinedText(name.GivenNames)), " ")
				surname := strings.Join(tokenize(joinedText(name.Surnames)), " ")
				if len(surname) == 0 {
					continue
				}
				authors = append(authors, models.GoldAuthor{
					GivenNames: givenNames,
					Surname:    surname,
				})
			}
		}
	}
	if len(authors) == 0 {
		return nil, fmt.Errorf("found no gold authors")
	}
	if len(authors) != authorNodeCount {
		return nil, fmt.Errorf("extracted %d of %d author nodes", len(authors), authorNodeCount)
	}

	return &GoldMetadata{Title: title, Authors: authors}, nil
}

// initials 取名字各词的首字母，用给定分隔符连接
func initials(names string, separator string) string {
	var parts []string
	for _, word := range tokenize(names) {
		if !wordCharactersOnly.MatchString(word) {
			continue
		}
		parts = append(parts, string([]rune(word)[:1]))
	}
	return strings.Join(parts, separator)
}

// authorVariants 生成一个作者可能出现在版面上的书写形式
func authorVariants(author models.GoldAuthor) []string {
	given, surname := author.GivenNames, author.Surname
	if len(given) == 0 {
		return []string{surname}
	}
	firstChar := string([]rune(given)[:1])
	candidates := []string{
		given + " " + surname,
		initials(given, " ") + " " + surname,
		initials(given, " . ") + " . " + surname,
		initials(given, "") + " " + surname,
		surname + " , " + given,
		firstChar + " " + surname,
		firstChar + " . " + surname,
	}
	seen := make(map[string]struct{}, len(candidates))
	variants := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		variants = append(variants, candidate)
	}
	return variants
}
