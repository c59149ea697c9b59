package colstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Reader 只读打开一个已完成的制品
//
// 全部列在打开时解码进内存，之后的访问器返回的切片都是对同一份
// 底层数组的视图而非拷贝。外部链接在第一次访问时解析，被链接的
// 读取器与本读取器同生命周期。
type Reader struct {
	path     string
	datasets map[string]*dataset
	linked   map[string]*Reader
}

// Open 打开path处的制品
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("failed to read artifact header: %w", err)
	}
	if string(head) != magic {
		return nil, fmt.Errorf("not a columnar artifact: %s", path)
	}
	version, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact header: %w", err)
	}
	if uint32(version) != formatVersion {
		return nil, fmt.Errorf("unsupported artifact format version %d in %s", version, path)
	}
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact header: %w", err)
	}

	readString := func() (string, error) {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return "", err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	r := &Reader{
		path:     path,
		datasets: make(map[string]*dataset, count),
		linked:   make(map[string]*Reader),
	}
	for i := uint64(0); i < count; i++ {
		name, err := readString()
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset header: %w", err)
		}
		kind, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
		}
		d := &dataset{name: name, kind: kind}

		if kind == kindLink {
			if d.linkFile, err = readString(); err != nil {
				return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
			}
			if d.linkName, err = readString(); err != nil {
				return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
			}
			r.datasets[name] = d
			continue
		}

		width, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
		}
		rows, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
		}
		compLen, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
		}
		comp := make([]byte, compLen)
		if _, err := io.ReadFull(br, comp); err != nil {
			return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
		}
		d.width = int(width)
		if err := decodePayload(d, comp, int(rows)); err != nil {
			return nil, err
		}
		r.datasets[name] = d
	}
	return r, nil
}

// Path 返回制品文件路径
func (r *Reader) Path() string { return r.path }

// Close 关闭读取器及其已解析的链接
// 列数据驻留内存，已取出的视图在Close之后仍然有效
func (r *Reader) Close() error {
	for _, lr := range r.linked {
		lr.Close()
	}
	r.linked = make(map[string]*Reader)
	return nil
}

// resolve 取出数据集，必要时跟随外部链接
func (r *Reader) resolve(name string, kind uint8) (*dataset, error) {
	d, ok := r.datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q not found in %s", name, r.path)
	}
	if d.kind == kindLink {
		target, err := r.openLinked(d.linkFile)
		if err != nil {
			return nil, err
		}
		return target.resolve(d.linkName, kind)
	}
	if d.kind != kind {
		return nil, fmt.Errorf("dataset %q in %s has unexpected type", name, r.path)
	}
	return d, nil
}

func (r *Reader) openLinked(file string) (*Reader, error) {
	if lr, ok := r.linked[file]; ok {
		return lr, nil
	}
	lr, err := Open(filepath.Join(filepath.Dir(r.path), file))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve link to %s: %w", file, err)
	}
	r.linked[file] = lr
	return lr, nil
}

// Strings 返回字符串数据集的全部行
func (r *Reader) Strings(name string) ([]string, error) {
	d, err := r.resolve(name, kindString)
	if err != nil {
		return nil, err
	}
	return d.strs, nil
}

// Float32 返回float32数据集的扁平数据和行宽
func (r *Reader) Float32(name string) ([]float32, int, error) {
	d, err := r.resolve(name, kindFloat32)
	if err != nil {
		return nil, 0, err
	}
	return d.f32, d.width, nil
}

// Int8 返回int8数据集的全部行
func (r *Reader) Int8(name string) ([]int8, error) {
	d, err := r.resolve(name, kindInt8)
	if err != nil {
		return nil, err
	}
	return d.i8, nil
}

// Uint32 返回uint32数据集的扁平数据和行宽
func (r *Reader) Uint32(name string) ([]uint32, int, error) {
	d, err := r.resolve(name, kindUint32)
	if err != nil {
		return nil, 0, err
	}
	return d.u32, d.width, nil
}

// decodePayload 解压并解码一个数据集的数据块
func decodePayload(d *dataset, comp []byte, rows int) error {
	zr, err := gzip.NewReader(bytes.NewReader(comp))
	if err != nil {
		return fmt.Errorf("failed to decompress dataset %q: %w", d.name, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("failed to decompress dataset %q: %w", d.name, err)
	}
	if err := zr.Close(); err != nil {
		return fmt.Errorf("failed to decompress dataset %q: %w", d.name, err)
	}

	switch d.kind {
	case kindString:
		d.strs = make([]string, 0, rows)
		start := 0
		for i, b := range raw {
			if b == 0 {
				d.strs = append(d.strs, string(raw[start:i]))
				start = i + 1
			}
		}
		if len(d.strs) != rows {
			return fmt.Errorf("dataset %q: expected %d rows, decoded %d", d.name, rows, len(d.strs))
		}
	case kindFloat32:
		want := rows * d.width
		if len(raw) != want*4 {
			return fmt.Errorf("dataset %q: unexpected payload size", d.name)
		}
		d.f32 = make([]float32, want)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, d.f32); err != nil {
			return fmt.Errorf("failed to decode dataset %q: %w", d.name, err)
		}
	case kindInt8:
		if len(raw) != rows {
			return fmt.Errorf("dataset %q: unexpected payload size", d.name)
		}
		d.i8 = make([]int8, rows)
		for i, b := range raw {
			d.i8[i] = int8(b)
		}
	case kindUint32:
		want := rows * d.width
		if len(raw) != want*4 {
			return fmt.Errorf("dataset %q: unexpected payload size", d.name)
		}
		d.u32 = make([]uint32, want)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, d.u32); err != nil {
			return fmt.Errorf("failed to decode dataset %q: %w", d.name, err)
		}
	default:
		return fmt.Errorf("dataset %q: unknown dataset type %d", d.name, d.kind)
	}
	return nil
}
