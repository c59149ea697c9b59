package colstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Writer 构建一个列式制品
//
// 写入器在创建时立刻打开 <finalPath>.<uuid>.tmp，Finalize成功后原子
// 重命名到finalPath。两个进程同时构建同一制品互不干扰，后完成的
// 重命名覆盖先完成的，内容按定义相同。
type Writer struct {
	finalPath string
	tempPath  string
	file      *os.File
	datasets  []*dataset
	byName    map[string]*dataset
	done      bool
}

// NewWriter 创建指向finalPath的写入器
// 调用方必须先确认finalPath不存在；已完成的制品绝不重建
func NewWriter(finalPath string) (*Writer, error) {
	tempPath := fmt.Sprintf("%s.%s.tmp", finalPath, uuid.New().String())
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	return &Writer{
		finalPath: finalPath,
		tempPath:  tempPath,
		file:      f,
		byName:    make(map[string]*dataset),
	}, nil
}

func (w *Writer) add(name string, kind uint8, width int) (*dataset, error) {
	if _, ok := w.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDatasetExists, name)
	}
	d := &dataset{name: name, kind: kind, width: width}
	w.datasets = append(w.datasets, d)
	w.byName[name] = d
	return d, nil
}

// StringColumn 新建字符串数据集
func (w *Writer) StringColumn(name string) (*StringColumn, error) {
	d, err := w.add(name, kindString, 1)
	if err != nil {
		return nil, err
	}
	return &StringColumn{d: d}, nil
}

// Float32Column 新建定宽float32数据集
func (w *Writer) Float32Column(name string, width int) (*Float32Column, error) {
	d, err := w.add(name, kindFloat32, width)
	if err != nil {
		return nil, err
	}
	return &Float32Column{d: d}, nil
}

// Int8Column 新建int8数据集
func (w *Writer) Int8Column(name string) (*Int8Column, error) {
	d, err := w.add(name, kindInt8, 1)
	if err != nil {
		return nil, err
	}
	return &Int8Column{d: d}, nil
}

// Uint32Column 新建定宽uint32数据集
func (w *Writer) Uint32Column(name string, width int) (*Uint32Column, error) {
	d, err := w.add(name, kindUint32, width)
	if err != nil {
		return nil, err
	}
	return &Uint32Column{d: d}, nil
}

// Link 新建指向另一制品文件的外部链接数据集
// targetFile是相对本制品所在目录的文件名，读取时惰性解析
func (w *Writer) Link(name, targetFile, targetName string) error {
	d, err := w.add(name, kindLink, 0)
	if err != nil {
		return err
	}
	d.linkFile = targetFile
	d.linkName = targetName
	return nil
}

// Finalize 编码全部数据集并原子发布制品
// 任何错误都会删除临时文件并原样返回
func (w *Writer) Finalize() error {
	if w.done {
		return fmt.Errorf("colstore: writer for %s already finished", w.finalPath)
	}
	w.done = true

	if err := w.encode(); err != nil {
		w.file.Close()
		os.Remove(w.tempPath)
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tempPath)
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	return nil
}

// Abort 放弃构建并删除临时文件
// 在defer中调用是安全的，Finalize之后调用是空操作
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.file.Close()
	os.Remove(w.tempPath)
}

func (w *Writer) encode() error {
	bw := bufio.NewWriter(w.file)

	if _, err := bw.WriteString(magic); err != nil {
		return fmt.Errorf("failed to write artifact header: %w", err)
	}
	var scratch [binary.MaxVarintLen64]byte
	writeUvarint := func(v uint64) error {
		n := binary.PutUvarint(scratch[:], v)
		_, err := bw.Write(scratch[:n])
		return err
	}
	if err := writeUvarint(uint64(formatVersion)); err != nil {
		return fmt.Errorf("failed to write artifact header: %w", err)
	}
	if err := writeUvarint(uint64(len(w.datasets))); err != nil {
		return fmt.Errorf("failed to write artifact header: %w", err)
	}

	writeString := func(s string) error {
		if err := writeUvarint(uint64(len(s))); err != nil {
			return err
		}
		_, err := bw.WriteString(s)
		return err
	}

	for _, d := range w.datasets {
		if err := writeString(d.name); err != nil {
			return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
		}
		if err := bw.WriteByte(d.kind); err != nil {
			return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
		}
		if d.kind == kindLink {
			if err := writeString(d.linkFile); err != nil {
				return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
			}
			if err := writeString(d.linkName); err != nil {
				return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
			}
			continue
		}

		payload, err := encodePayload(d)
		if err != nil {
			return err
		}
		if err := writeUvarint(uint64(d.width)); err != nil {
			return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
		}
		if err := writeUvarint(uint64(d.rows())); err != nil {
			return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
		}
		if err := writeUvarint(uint64(len(payload))); err != nil {
			return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
		}
		if _, err := bw.Write(payload); err != nil {
			return fmt.Errorf("failed to write dataset %q: %w", d.name, err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush artifact: %w", err)
	}
	return nil
}

// encodePayload 压缩编码一个数据集的数据块
// 字符串以NUL分隔，数值小端序排列，整体经gzip压缩
func encodePayload(d *dataset) ([]byte, error) {
	var raw bytes.Buffer
	switch d.kind {
	case kindString:
		for _, s := range d.strs {
			raw.WriteString(s)
			raw.WriteByte(0)
		}
	case kindFloat32:
		if err := binary.Write(&raw, binary.LittleEndian, d.f32); err != nil {
			return nil, fmt.Errorf("failed to encode dataset %q: %w", d.name, err)
		}
	case kindInt8:
		for _, v := range d.i8 {
			raw.WriteByte(byte(v))
		}
	case kindUint32:
		if err := binary.Write(&raw, binary.LittleEndian, d.u32); err != nil {
			return nil, fmt.Errorf("failed to encode dataset %q: %w", d.name, err)
		}
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress dataset %q: %w", d.name, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress dataset %q: %w", d.name, err)
	}
	return buf.Bytes(), nil
}
