package featurizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// VisionFile 桶目录下版面检测结果文件的名称
const VisionFile = "vision_output.json"

// BoundingBox 版面检测器给出的一个带标签的包围盒
type BoundingBox struct {
	Label      string
	Left       float32
	Right      float32
	Top        float32
	Bottom     float32
	Confidence float32
}

// VisionOutput 按文档哈希和页号索引的版面检测结果
// 检测文件缺失不是错误，所有查询都返回空结果
type VisionOutput struct {
	boxes  map[string][][]BoundingBox
	logger *logrus.Logger
}

// visionLine 检测文件中一行的结构
// 每页是一个数组，元素为[label, left, top, right, bottom, confidence]
type visionLine struct {
	DocSha string              `json:"docSha"`
	Pages  [][]json.RawMessage `json:"pages"`
}

func parseBox(raw json.RawMessage) (BoundingBox, error) {
	var entry []interface{}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return BoundingBox{}, err
	}
	if len(entry) != 6 {
		return BoundingBox{}, fmt.Errorf("bounding box entry has %d fields, expected 6", len(entry))
	}
	label, ok := entry[0].(string)
	if !ok {
		return BoundingBox{}, fmt.Errorf("bounding box label is not a string")
	}
	coords := make([]float32, 5)
	for i := 1; i < 6; i++ {
		value, ok := entry[i].(float64)
		if !ok {
			return BoundingBox{}, fmt.Errorf("bounding box coordinate %d is not a number", i)
		}
		coords[i-1] = float32(value)
	}
	return BoundingBox{
		Label:      label,
		Left:       coords[0],
		Top:        coords[1],
		Right:      coords[2],
		Bottom:     coords[3],
		Confidence: coords[4],
	}, nil
}

// LoadVisionOutput 加载桶的版面检测结果
func LoadVisionOutput(path string, logger *logrus.Logger) (*VisionOutput, error) {
	output := &VisionOutput{
		boxes:  make(map[string][][]BoundingBox),
		logger: logger,
	}

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		logger.WithField("path", path).Warn("No vision output found, overlap features will be zero")
		return output, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open vision output: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line visionLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("failed to parse vision output line %d: %w", lineNumber, err)
		}

		pages := make([][]BoundingBox, len(line.Pages))
		for pageNumber, rawBoxes := range line.Pages {
			for _, rawBox := range rawBoxes {
				box, err := parseBox(rawBox)
				if err != nil {
					return nil, fmt.Errorf("failed to parse vision output line %d: %w", lineNumber, err)
				}
				pages[pageNumber] = append(pages[pageNumber], box)
			}
		}
		if _, ok := output.boxes[line.DocSha]; ok {
			logger.WithField("doc_sha", line.DocSha).Warn("Duplicate document in vision output")
		}
		output.boxes[line.DocSha] = pages
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vision output: %w", err)
	}
	return output, nil
}

// BoxesFor 返回某文档某页的检测框，没有时返回空
func (v *VisionOutput) BoxesFor(docSha string, pageNumber int) []BoundingBox {
	pages, ok := v.boxes[docSha]
	if !ok {
		v.logger.WithField("doc_sha", docSha).Warn("Missing vision output for document")
		return nil
	}
	if pageNumber < 0 || pageNumber >= len(pages) {
		return nil
	}
	return pages[pageNumber]
}
