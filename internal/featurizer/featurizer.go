package featurizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/fyerfyer/doc-label-pipeline/internal/colstore"
	"github.com/fyerfyer/doc-label-pipeline/internal/corpus"
	"github.com/fyerfyer/doc-label-pipeline/internal/embedding"
	"github.com/fyerfyer/doc-label-pipeline/internal/labeler"
	"github.com/fyerfyer/doc-label-pipeline/internal/models"
	"github.com/fyerfyer/doc-label-pipeline/internal/tokenstore"
)

// Version 特征产物的格式版本
const Version = "12corr"

// 特征产物新增的数据集名称
const (
	DatasetHashedTextFeatures    = "token_hashed_text_features"
	DatasetScaledNumericFeatures = "token_scaled_numeric_features"
)

// HashedFeatureWidth 整数特征列宽度：词表索引、字体哈希
const HashedFeatureWidth = 2

// ScaledFeatureWidth 数值特征列宽度
// 0-3 归一化包围盒，4-5 语料百分位，6-7 文档内百分位，
// 8-14 大小写/数字构成，15-16 版面检测重叠标志
const ScaledFeatureWidth = 17

// Settings 影响特征产物内容的全部配置
// 任何字段变化都会改变产物路径，缓存失效隐含在文件名里
type Settings struct {
	MaxPageCount      int
	FontHashSize      uint32
	MinTokenFrequency int64
	VectorsPath       string
}

// cacheKey 把配置压成一个稳定的十六进制串
func (s Settings) cacheKey() string {
	vectorsHash := murmur3.Sum32([]byte(filepath.Base(s.VectorsPath)))
	components := fmt.Sprintf("%d|%d|%d|%d",
		vectorsHash, s.MinTokenFrequency, s.FontHashSize, s.MaxPageCount)
	return fmt.Sprintf("%08x", murmur3.Sum32([]byte(components)))
}

// ArtifactPath 返回桶内特征产物的最终路径
func ArtifactPath(bucketPath string, settings Settings) string {
	return filepath.Join(bucketPath,
		fmt.Sprintf("featurized-tokens-%s-%s.cols", settings.cacheKey(), Version))
}

// fontHash 把归一化字体名哈希进固定大小的哈希空间，冲突可接受
func fontHash(font string, hashSize uint32) uint32 {
	return murmur3.Sum32([]byte(models.Normalize(font))) % hashSize
}

// capitalizationFeatures 计算token文本的大小写和数字构成特征
// 依次为：首字母大写、次字母大写、大写占比、首字母小写、次字母小写、
// 小写占比、数字占比，全部取值0或[0,1]内的比例
func capitalizationFeatures(text string) [7]float32 {
	var features [7]float32
	runes := []rune(text)
	if len(runes) == 0 {
		return features
	}

	if unicode.IsUpper(runes[0]) {
		features[0] = 1
	}
	if unicode.IsLower(runes[0]) {
		features[3] = 1
	}
	if len(runes) > 1 {
		if unicode.IsUpper(runes[1]) {
			features[1] = 1
		}
		if unicode.IsLower(runes[1]) {
			features[4] = 1
		}
	}

	uppers, lowers, digits := 0, 0, 0
	for _, r := range runes {
		switch {
		case unicode.IsUpper(r):
			uppers++
		case unicode.IsLower(r):
			lowers++
		case unicode.IsDigit(r):
			digits++
		}
	}
	total := float32(len(runes))
	features[2] = float32(uppers) / total
	features[5] = float32(lowers) / total
	features[6] = float32(digits) / total
	return features
}

// intersectionOverFirst 计算a与b的交集面积占a面积的比例
// 盒子格式为(left, top, right, bottom)
func intersectionOverFirst(a [4]float32, b [4]float32) float32 {
	aWidth := a[2] - a[0]
	aHeight := a[3] - a[1]
	aArea := aWidth * aHeight
	if aArea == 0 {
		return 0
	}

	top := a[1]
	if b[1] > top {
		top = b[1]
	}
	bottom := a[3]
	if b[3] < bottom {
		bottom = b[3]
	}
	left := a[0]
	if b[0] > left {
		left = b[0]
	}
	right := a[2]
	if b[2] < right {
		right = b[2]
	}
	if bottom-top < 0 || right-left < 0 {
		return 0
	}
	return (bottom - top) * (right - left) / aArea
}

// FeaturizedTokens 返回桶的特征产物，必要时先构建
// 文本、标签和原始几何列通过外链复用标注产物，不做复制
func FeaturizedTokens(
	bucketPath string,
	stats *corpus.TokenStatistics,
	table *embedding.CombinedTable,
	settings Settings,
	logger *logrus.Logger,
) (*colstore.Reader, error) {
	finalPath := ArtifactPath(bucketPath, settings)
	if _, err := os.Stat(finalPath); err == nil {
		return colstore.Open(finalPath)
	}

	logger.WithFields(logrus.Fields{
		"bucket":   bucketPath,
		"artifact": filepath.Base(finalPath),
	}).Info("Building featurized tokens artifact")

	labeled, err := labeler.LabeledTokens(bucketPath, settings.MaxPageCount, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open labeled tokens: %w", err)
	}
	defer labeled.Close()

	vision, err := LoadVisionOutput(filepath.Join(bucketPath, VisionFile), logger)
	if err != nil {
		return nil, err
	}

	if err := build(finalPath, labeled, stats, table, vision, settings, logger); err != nil {
		return nil, err
	}
	return colstore.Open(finalPath)
}

func build(
	finalPath string,
	labeled *colstore.Reader,
	stats *corpus.TokenStatistics,
	table *embedding.CombinedTable,
	vision *VisionOutput,
	settings Settings,
	logger *logrus.Logger,
) (err error) {
	metaRows, err := labeled.Strings(tokenstore.DatasetDocMetadata)
	if err != nil {
		return err
	}
	texts, err := labeled.Strings(tokenstore.DatasetTokenText)
	if err != nil {
		return err
	}
	fonts, err := labeled.Strings(tokenstore.DatasetTokenFont)
	if err != nil {
		return err
	}
	numeric, numericWidth, err := labeled.Float32(tokenstore.DatasetTokenNumericFeatures)
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

	// 不增减token的列直接外链标注产物
	labeledBase := filepath.Base(labeled.Path())
	for _, name := range []string{
		tokenstore.DatasetDocMetadata,
		tokenstore.DatasetTokenText,
		tokenstore.DatasetTokenFont,
		tokenstore.DatasetTokenNumericFeatures,
		labeler.DatasetTokenLabels,
	} {
		if err = writer.Link(name, labeledBase, name); err != nil {
			return err
		}
	}

	hashedCol, err := writer.Uint32Column(DatasetHashedTextFeatures, HashedFeatureWidth)
	if err != nil {
		return err
	}
	scaledCol, err := writer.Float32Column(DatasetScaledNumericFeatures, ScaledFeatureWidth)
	if err != nil {
		return err
	}

	// 整数特征整体加一，0保留给下游的掩码
	for i := range texts {
		tokenIndex, indexErr := table.IndexForToken(texts[i])
		if indexErr != nil {
			err = fmt.Errorf("failed to look up token index: %w", indexErr)
			return err
		}
		if err = hashedCol.AppendRow(
			tokenIndex+1,
			fontHash(fonts[i], settings.FontHashSize)+1,
		); err != nil {
			return err
		}
	}

	scaled := make([]float32, len(texts)*ScaledFeatureWidth)
	for i, text := range texts {
		capFeatures := capitalizationFeatures(text)
		copy(scaled[i*ScaledFeatureWidth+8:i*ScaledFeatureWidth+15], capFeatures[:])
	}

	for _, metaRow := range metaRows {
		var meta models.DocMetadata
		if err = json.Unmarshal([]byte(metaRow), &meta); err != nil {
			err = fmt.Errorf("failed to decode document metadata: %w", err)
			return err
		}
		if len(meta.Pages) == 0 {
			continue
		}

		// 文档内百分位用该文档自己的测量值新建
		docFirst := meta.Pages[0].FirstTokenIndex
		docTokenCount := meta.TokenCount()
		docFontSizes := make([]float32, docTokenCount)
		docSpaceWidths := make([]float32, docTokenCount)
		for i := 0; i < docTokenCount; i++ {
			docFontSizes[i] = numeric[(docFirst+i)*tokenstore.NumericFeatureWidth+4]
			docSpaceWidths[i] = numeric[(docFirst+i)*tokenstore.NumericFeatureWidth+5]
		}
		docFontPercentiles, percErr := corpus.PercentileFromValues(docFontSizes)
		if percErr != nil {
			err = percErr
			return err
		}
		docSpacePercentiles, percErr := corpus.PercentileFromValues(docSpaceWidths)
		if percErr != nil {
			err = percErr
			return err
		}

		for pageNumber, page := range meta.Pages {
			titleBoxes := make([][4]float32, 0)
			authorBoxes := make([][4]float32, 0)
			for _, box := range vision.BoxesFor(meta.DocSha, pageNumber) {
				coords := [4]float32{box.Left, box.Top, box.Right, box.Bottom}
				switch box.Label {
				case "title":
					titleBoxes = append(titleBoxes, coords)
				case "author":
					authorBoxes = append(authorBoxes, coords)
				}
			}

			for i := 0; i < page.TokenCount; i++ {
				tokenRow := page.FirstTokenIndex + i
				in := numeric[tokenRow*tokenstore.NumericFeatureWidth : (tokenRow+1)*tokenstore.NumericFeatureWidth]
				out := scaled[tokenRow*ScaledFeatureWidth : (tokenRow+1)*ScaledFeatureWidth]

				// 几何坐标压进[0,1]，页面尺寸非法时置零
				if page.Width > 0 {
					out[0] = in[0] / page.Width
					out[1] = in[1] / page.Width
				}
				if page.Height > 0 {
					out[2] = in[2] / page.Height
					out[3] = in[3] / page.Height
				}

				out[4], err = stats.FontSizePercentile(in[4])
				if err != nil {
					return err
				}
				out[5], err = stats.SpaceWidthPercentile(in[5])
				if err != nil {
					return err
				}
				out[6] = docFontPercentiles.At(in[4])
				out[7] = docSpacePercentiles.At(in[5])

				tokenBox := [4]float32{in[0], in[2], in[1], in[3]}
				var bestTitle, bestAuthor float32
				for _, box := range titleBoxes {
					if overlap := intersectionOverFirst(tokenBox, box); overlap > bestTitle {
						bestTitle = overlap
					}
				}
				for _, box := range authorBoxes {
					if overlap := intersectionOverFirst(tokenBox, box); overlap > bestAuthor {
						bestAuthor = overlap
					}
				}
				// 重叠超过10%才算命中，同分时标题优先
				if bestTitle > 0.1 && bestTitle >= bestAuthor {
					out[15] = 1
				}
				if bestAuthor > 0.1 && bestAuthor > bestTitle {
					out[16] = 1
				}
			}
		}
	}

	// 最后整体平移，让所有数值特征落在[-0.5, 0.5]
	for i := range scaled {
		scaled[i] -= 0.5
	}
	for i := 0; i < len(texts); i++ {
		if err = scaledCol.AppendRow(scaled[i*ScaledFeatureWidth : (i+1)*ScaledFeatureWidth]...); err != nil {
			return err
		}
	}

	if err = writer.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize featurized tokens artifact: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"documents": len(metaRows),
		"tokens":    len(texts),
	}).Info("Featurized tokens artifact built")
	return nil
}
