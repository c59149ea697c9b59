package tokenstore

import (
	"bufio"
	"compress/bzip2"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/doc-label-pipeline/internal/colstore"
	"github.com/fyerfyer/doc-label-pipeline/internal/models"
)

// Version 原始token产物的格式版本，解析逻辑变更时递增
const Version = "3corr"

// RawTokensFile 桶目录下原始token转储文件的名称
const RawTokensFile = "tokens3.json.bz2"

// 产物内的数据集名称，下游各阶段按名引用
const (
	DatasetDocMetadata          = "doc_metadata"
	DatasetTokenText            = "token_text"
	DatasetTokenFont            = "token_font"
	DatasetTokenNumericFeatures = "token_numeric_features"
)

// NumericFeatureWidth 数值列宽度：left, right, top, bottom, fontSize, spaceWidth
const NumericFeatureWidth = 6

var sha1Pattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// rawToken 转储文件中单个token的结构
type rawToken struct {
	Text           string  `json:"text"`
	Font           string  `json:"font"`
	Left           float32 `json:"left"`
	Right          float32 `json:"right"`
	Top            float32 `json:"top"`
	Bottom         float32 `json:"bottom"`
	FontSize       float32 `json:"fontSize"`
	FontSpaceWidth float32 `json:"fontSpaceWidth"`
}

// rawPage 转储文件中单个页面的结构
type rawPage struct {
	Width  float32    `json:"width"`
	Height float32    `json:"height"`
	Tokens []rawToken `json:"tokens"`
}

// rawDocument 转储文件中一行对应的文档结构
type rawDocument struct {
	DocID string    `json:"docId"`
	Pages []rawPage `json:"pages"`
}

// ArtifactPath 返回桶内原始token产物的最终路径
func ArtifactPath(bucketPath string) string {
	return filepath.Join(bucketPath, fmt.Sprintf("unlabeled-tokens-%s.cols", Version))
}

// extractDocID 从斜杠分隔的id中定位40位十六进制内容哈希
// 返回从哈希开始的id剩余部分和哈希本身
func extractDocID(rawID string) (docID string, docSha string, err error) {
	parts := strings.Split(rawID, "/")
	for i, part := range parts {
		if sha1Pattern.MatchString(part) {
			return strings.Join(parts[i:], "/"), part, nil
		}
	}
	return "", "", fmt.Errorf("no 40-hex content hash in document id %q", rawID)
}

// UnlabeledTokens 返回桶的原始token产物，必要时先构建
// 产物已存在时直接打开复用，否则从转储文件解析构建
func UnlabeledTokens(bucketPath string, maxPages int, logger *logrus.Logger) (*colstore.Reader, error) {
	finalPath := ArtifactPath(bucketPath)
	if _, err := os.Stat(finalPath); err == nil {
		return colstore.Open(finalPath)
	}

	logger.WithFields(logrus.Fields{
		"bucket":   bucketPath,
		"artifact": filepath.Base(finalPath),
	}).Info("Building unlabeled tokens artifact")

	if err := build(bucketPath, finalPath, maxPages, logger); err != nil {
		return nil, err
	}
	return colstore.Open(finalPath)
}

func build(bucketPath string, finalPath string, maxPages int, logger *logrus.Logger) (err error) {
	rawPath := filepath.Join(bucketPath, RawTokensFile)
	rawFile, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("failed to open raw token dump: %w", err)
	}
	defer rawFile.Close()

	writer, err := colstore.NewWriter(finalPath)
	if err != nil {
		return fmt.Errorf("failed to create artifact writer: %w", err)
	}
	defer func() {
		if err != nil {
			writer.Abort()
		}
	}()

	docMetadata, err := writer.StringColumn(DatasetDocMetadata)
	if err != nil {
		return err
	}
	tokenText, err := writer.StringColumn(DatasetTokenText)
	if err != nil {
		return err
	}
	tokenFont, err := writer.StringColumn(DatasetTokenFont)
	if err != nil {
		return err
	}
	tokenNumeric, err := writer.Float32Column(DatasetTokenNumericFeatures, NumericFeatureWidth)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(bzip2.NewReader(rawFile))
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNumber := 0
	docCount := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var doc rawDocument
		if parseErr := json.Unmarshal(line, &doc); parseErr != nil {
			logger.WithFields(logrus.Fields{
				"bucket": bucketPath,
				"line":   lineNumber,
				"error":  parseErr.Error(),
			}).Warn("Skipping unparseable dump line")
			continue
		}

		docID, docSha, idErr := extractDocID(doc.DocID)
		if idErr != nil {
			logger.WithFields(logrus.Fields{
				"bucket": bucketPath,
				"line":   lineNumber,
				"doc_id": doc.DocID,
			}).Warn("Skipping document without content hash")
			continue
		}

		meta := models.DocMetadata{
			Version: models.DocMetadataVersion,
			DocID:   docID,
			DocSha:  docSha,
		}

		pages := doc.Pages
		if len(pages) > maxPages {
			pages = pages[:maxPages]
		}
		for _, page := range pages {
			pageMeta := models.PageMeta{
				Width:           page.Width,
				Height:          page.Height,
				FirstTokenIndex: tokenText.Len(),
				TokenCount:      len(page.Tokens),
			}
			for _, token := range page.Tokens {
				if appendErr := tokenText.Append(models.SanitizeNUL(token.Text)); appendErr != nil {
					return appendErr
				}
				if appendErr := tokenFont.Append(models.SanitizeNUL(token.Font)); appendErr != nil {
					return appendErr
				}
				if appendErr := tokenNumeric.AppendRow(
					token.Left, token.Right, token.Top, token.Bottom,
					token.FontSize, token.FontSpaceWidth,
				); appendErr != nil {
					return appendErr
				}
			}
			meta.Pages = append(meta.Pages, pageMeta)
		}

		encoded, marshalErr := json.Marshal(meta)
		if marshalErr != nil {
			return fmt.Errorf("failed to encode document metadata: %w", marshalErr)
		}
		if appendErr := docMetadata.Append(string(encoded)); appendErr != nil {
			return appendErr
		}
		docCount++
	}
	if scanErr := scanner.Err(); scanErr != nil {
		err = fmt.Errorf("failed to read raw token dump: %w", scanErr)
		return err
	}

	if err = writer.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize unlabeled tokens artifact: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"bucket":    bucketPath,
		"documents": docCount,
		"tokens":    tokenText.Len(),
	}).Info("Unlabeled tokens artifact built")
	return nil
}
