package labeler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/doc-label-pipeline/internal/colstore"
	"github.com/fyerfyer/doc-label-pipeline/internal/models"
	"github.com/fyerfyer/doc-label-pipeline/internal/tokenstore"
)

// Version 标注产物的格式版本
const Version = "12corr"

// DatasetTokenLabels 标签列的数据集名称
const DatasetTokenLabels = "token_labels"

// MetadataDir 桶目录下存放参考元数据文档的子目录
const MetadataDir = "docs"

// ArtifactPath 返回桶内标注产物的最终路径
func ArtifactPath(bucketPath string) string {
	return filepath.Join(bucketPath, fmt.Sprintf("labeled-tokens-%s.cols", Version))
}

// fuzzyMatch 一个查询串在某页上的候选命中
type fuzzyMatch struct {
	pageNumber       int
	firstTokenIndex  int
	onePastLastToken int
	cost             int
	matchedString    string
	averageFontSize  float32
}

// pageText 一页的归一化拼接文本和rune偏移到token序号的映射
type pageText struct {
	runes        []rune
	startToToken map[int]int
	tokenCount   int
	texts        []string  // 该页token的原始文本
	fontSizes    []float32 // 该页token的字体大小
}

// buildPageText 把一页的token文本归一化后用单个空格拼接
// 同时记录每个token在拼接串中的起始偏移，供命中范围回translate
func buildPageText(texts []string, fontSizes []float32) *pageText {
	page := &pageText{
		startToToken: make(map[int]int, len(texts)),
		tokenCount:   len(texts),
		texts:        texts,
		fontSizes:    fontSizes,
	}
	for i, text := range texts {
		if len(page.runes) > 0 {
			page.runes = append(page.runes, ' ')
		}
		page.startToToken[len(page.runes)] = i
		page.runes = append(page.runes, []rune(models.Normalize(text))...)
	}
	return page
}

// snapToTokenSpan 把rune区间[start,end)对齐到最近的token边界
// 起点向前、终点向后吸附，找不到时退到页面边界
func (p *pageText) snapToTokenSpan(start int, end int) (int, int) {
	firstToken := 0
	for pos := start; pos >= 0; pos-- {
		if tokenIndex, ok := p.startToToken[pos]; ok {
			firstToken = tokenIndex
			break
		}
	}
	onePastLast := p.tokenCount
	for pos := end; pos < len(p.runes); pos++ {
		if tokenIndex, ok := p.startToToken[pos]; ok {
			onePastLast = tokenIndex
			break
		}
	}
	return firstToken, onePastLast
}

// findStringInPage 从左到右扫描页面，收集一个查询串的全部预算内命中
// 同一偏移起的最优命中代价随扫描推进单调不降，预算一旦超出即可安全停止
func findStringInPage(query string, pageNumber int, page *pageText) []fuzzyMatch {
	normalized := []rune(models.Normalize(query))
	budget := (len(normalized) - strings.Count(string(normalized), " ")) / 5

	var matches []fuzzyMatch
	offset := 0
	for offset < len(page.runes) {
		candidate, ok := approxSubstringMatch(normalized, page.runes[offset:], budget)
		if !ok {
			break
		}

		firstToken, onePastLast := page.snapToTokenSpan(candidate.start+offset, candidate.end+offset)
		if firstToken == onePastLast {
			break
		}

		var fontSizeSum float32
		for _, size := range page.fontSizes[firstToken:onePastLast] {
			fontSizeSum += size
		}
		matches = append(matches, fuzzyMatch{
			pageNumber:       pageNumber,
			firstTokenIndex:  firstToken,
			onePastLastToken: onePastLast,
			cost:             candidate.cost,
			matchedString:    strings.Join(page.texts[firstToken:onePastLast], " "),
			averageFontSize:  fontSizeSum / float32(onePastLast-firstToken),
		})

		offset += candidate.end
	}
	return matches
}

// betterTitleMatch 标题候选的优先序：代价小、字号大、位置靠前
func betterTitleMatch(a fuzzyMatch, b fuzzyMatch) bool {
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	if a.averageFontSize != b.averageFontSize {
		return a.averageFontSize > b.averageFontSize
	}
	return a.firstTokenIndex < b.firstTokenIndex
}

// betterAuthorMatch 作者候选的优先序：代价小、命中文本长、字号大、位置靠前
func betterAuthorMatch(a fuzzyMatch, b fuzzyMatch) bool {
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	if len(a.matchedString) != len(b.matchedString) {
		return len(a.matchedString) > len(b.matchedString)
	}
	if a.averageFontSize != b.averageFontSize {
		return a.averageFontSize > b.averageFontSize
	}
	return a.firstTokenIndex < b.firstTokenIndex
}

// docMatches 一个文档通过全部判定门之后的最终命中
type docMatches struct {
	title   fuzzyMatch
	authors []fuzzyMatch
}

// matchDocument 在文档页面中定位金标题和全部金作者
// 任何一个判定门失败都返回错误，整个文档被跳过
func matchDocument(gold *GoldMetadata, pages []*pageText) (*docMatches, error) {
	var titleMatch *fuzzyMatch
	authorMatches := make([][]fuzzyMatch, len(gold.Authors))

	for pageNumber, page := range pages {
		titleCandidates := findStringInPage(gold.Title, pageNumber, page)
		if len(titleCandidates) > 0 {
			best := titleCandidates[0]
			for _, candidate := range titleCandidates[1:] {
				if betterTitleMatch(candidate, best) {
					best = candidate
				}
			}
			// 跨页只按代价比较，先出现的页面在同代价时胜出
			if titleMatch == nil || best.cost < titleMatch.cost {
				titleMatch = &best
			}
		}

		for authorIndex, author := range gold.Authors {
			for _, variant := range authorVariants(author) {
				authorMatches[authorIndex] = append(
					authorMatches[authorIndex],
					findStringInPage(variant, pageNumber, page)...)
			}
		}
	}

	if titleMatch == nil {
		return nil, fmt.Errorf("could not find title %q within cost budget", gold.Title)
	}

	// 所有作者必须同时出现在至少一页上，取页号最小的那页
	commonPage := -1
	for pageNumber := range pages {
		onPage := true
		for _, matches := range authorMatches {
			found := false
			for _, match := range matches {
				if match.pageNumber == pageNumber {
					found = true
					break
				}
			}
			if !found {
				onPage = false
				break
			}
		}
		if onPage {
			commonPage = pageNumber
			break
		}
	}
	if commonPage < 0 {
		return nil, fmt.Errorf("could not find all authors on one page")
	}

	resolved := make([]fuzzyMatch, len(authorMatches))
	for authorIndex, matches := range authorMatches {
		var best *fuzzyMatch
		for i := range matches {
			if matches[i].pageNumber != commonPage {
				continue
			}
			if best == nil || betterAuthorMatch(matches[i], *best) {
				best = &matches[i]
			}
		}
		resolved[authorIndex] = *best
	}

	return &docMatches{title: *titleMatch, authors: resolved}, nil
}

// LabeledTokens 返回桶的标注产物，必要时先构建
// 只有标题和全部作者都成功定位的文档才会进入产物
func LabeledTokens(bucketPath string, maxPages int, logger *logrus.Logger) (*colstore.Reader, error) {
	finalPath := ArtifactPath(bucketPath)
	if _, err := os.Stat(finalPath); err == nil {
		return colstore.Open(finalPath)
	}

	logger.WithFields(logrus.Fields{
		"bucket":   bucketPath,
		"artifact": filepath.Base(finalPath),
	}).Info("Building labeled tokens artifact")

	unlabeled, err := tokenstore.UnlabeledTokens(bucketPath, maxPages, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open unlabeled tokens: %w", err)
	}
	defer unlabeled.Close()

	if err := build(bucketPath, finalPath, unlabeled, maxPages, logger); err != nil {
		return nil, err
	}
	return colstore.Open(finalPath)
}

func build(bucketPath string, finalPath string, unlabeled *colstore.Reader, maxPages int, logger *logrus.Logger) (err error) {
	metaRows, err := unlabeled.Strings(tokenstore.DatasetDocMetadata)
	if err != nil {
		return err
	}
	texts, err := unlabeled.Strings(tokenstore.DatasetTokenText)
	if err != nil {
		return err
	}
	fonts, err := unlabeled.Strings(tokenstore.DatasetTokenFont)
	if err != nil {
		return err
	}
	numeric, numericWidth, err := unlabeled.Float32(tokenstore.DatasetTokenNumericFeatures)
	if err != nil {
		return err
	}
	if numericWidth != tokenstore.NumericFeatureWidth {
		return fmt.Errorf("unexpected numeric feature width %d", numericWidth)
	}

	writer, err := colstore.NewWriter(finalPath)
	if err != nil {
		return fmt.Errorf("failed to create artifact writer: %w", err)
	}
	defer func() {
		if err != nil {
			writer.Abort()
		}
	}()

	labMetadata, err := writer.StringColumn(tokenstore.DatasetDocMetadata)
	if err != nil {
		return err
	}
	labText, err := writer.StringColumn(tokenstore.DatasetTokenText)
	if err != nil {
		return err
	}
	labFont, err := writer.StringColumn(tokenstore.DatasetTokenFont)
	if err != nil {
		return err
	}
	labNumeric, err := writer.Float32Column(tokenstore.DatasetTokenNumericFeatures, tokenstore.NumericFeatureWidth)
	if err != nil {
		return err
	}
	labLabels, err := writer.Int8Column(DatasetTokenLabels)
	if err != nil {
		return err
	}

	labeledCount := 0
	for _, metaRow := range metaRows {
		var meta models.DocMetadata
		if err = json.Unmarshal([]byte(metaRow), &meta); err != nil {
			err = fmt.Errorf("failed to decode document metadata: %w", err)
			return err
		}
		docLogger := logger.WithField("doc_id", meta.DocID)

		nxmlPath := filepath.Join(bucketPath, MetadataDir,
			strings.TrimSuffix(meta.DocID, ".pdf")+".nxml")
		gold, goldErr := ReadGoldMetadata(nxmlPath)
		if goldErr != nil {
			docLogger.WithField("error", goldErr.Error()).Warn("Skipping document with unusable reference metadata")
			continue
		}

		pageCount := len(meta.Pages)
		if pageCount > maxPages {
			pageCount = maxPages
		}
		pages := make([]*pageText, pageCount)
		for pageNumber := 0; pageNumber < pageCount; pageNumber++ {
			pageMeta := meta.Pages[pageNumber]
			first, count := pageMeta.FirstTokenIndex, pageMeta.TokenCount
			pageFontSizes := make([]float32, count)
			for i := 0; i < count; i++ {
				pageFontSizes[i] = numeric[(first+i)*tokenstore.NumericFeatureWidth+4]
			}
			pages[pageNumber] = buildPageText(texts[first:first+count], pageFontSizes)
		}

		matches, matchErr := matchDocument(gold, pages)
		if matchErr != nil {
			docLogger.WithField("error", matchErr.Error()).Warn("Skipping unmatchable document")
			continue
		}

		// 提交点：标题和作者全部就位，文档整体写入新产物
		labeledMeta := models.DocMetadata{
			Version:     models.DocMetadataVersion,
			DocID:       meta.DocID,
			DocSha:      meta.DocSha,
			GoldTitle:   gold.Title,
			GoldAuthors: gold.Authors,
		}
		for pageNumber := 0; pageNumber < pageCount; pageNumber++ {
			pageMeta := meta.Pages[pageNumber]
			first, count := pageMeta.FirstTokenIndex, pageMeta.TokenCount

			labeledMeta.Pages = append(labeledMeta.Pages, models.PageMeta{
				Width:           pageMeta.Width,
				Height:          pageMeta.Height,
				FirstTokenIndex: labText.Len(),
				TokenCount:      count,
			})

			if err = labText.Append(texts[first : first+count]...); err != nil {
				return err
			}
			if err = labFont.Append(fonts[first : first+count]...); err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				row := numeric[(first+i)*tokenstore.NumericFeatureWidth : (first+i+1)*tokenstore.NumericFeatureWidth]
				if err = labNumeric.AppendRow(row...); err != nil {
					return err
				}
			}

			// 标题先写，作者后写：重叠区间作者优先
			labels := make([]int8, count)
			if matches.title.pageNumber == pageNumber {
				for i := matches.title.firstTokenIndex; i < matches.title.onePastLastToken; i++ {
					labels[i] = int8(models.LabelTitle)
				}
			}
			for _, authorMatch := range matches.authors {
				if authorMatch.pageNumber != pageNumber {
					continue
				}
				for i := authorMatch.firstTokenIndex; i < authorMatch.onePastLastToken; i++ {
					labels[i] = int8(models.LabelAuthor)
				}
			}
			labLabels.Append(labels...)
		}

		encoded, marshalErr := json.Marshal(labeledMeta)
		if marshalErr != nil {
			err = fmt.Errorf("failed to encode document metadata: %w", marshalErr)
			return err
		}
		if err = labMetadata.Append(string(encoded)); err != nil {
			return err
		}
		labeledCount++
	}

	if err = writer.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize labeled tokens artifact: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"bucket":  bucketPath,
		"total":   len(metaRows),
		"labeled": labeledCount,
		"tokens":  labText.Len(),
	}).Info("Labeled tokens artifact built")
	return nil
}
