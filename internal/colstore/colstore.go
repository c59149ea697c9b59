// Package colstore 实现流水线各阶段共享的列式制品容器。
//
// 一个制品是若干命名数据集的集合：可增长的类型化列（字符串、float32、
// int8、uint32）加上指向其他制品文件的外部链接。容器写入时先落到
// 进程唯一的临时文件，完整成功后原子重命名到最终路径，保证最终路径
// 上的制品要么不存在、要么完整。
package colstore

import (
	"errors"
	"fmt"
	"strings"
)

// 数据集类型标记，写入文件头
const (
	kindString uint8 = iota + 1
	kindFloat32
	kindInt8
	kindUint32
	kindLink
)

// 文件格式常量
const (
	magic         = "COLSTOR1" // 文件魔数
	formatVersion = uint32(1)  // 容器格式版本
)

// ErrNUL 字符串列不能存放NUL字符
var ErrNUL = errors.New("colstore: string values must not contain NUL")

// ErrDatasetExists 数据集名称在一个容器内必须唯一
var ErrDatasetExists = errors.New("colstore: dataset already exists")

// dataset 容器内的一个命名数据集
// 普通数据集持有列数据，链接数据集只持有目标文件与目标数据集名
type dataset struct {
	name  string
	kind  uint8
	width int // 每行元素个数（字符串与int8列恒为1）

	strs []string
	f32  []float32
	i8   []int8
	u32  []uint32

	linkFile string // 链接目标文件名（相对容器所在目录）
	linkName string // 链接目标数据集名
}

func (d *dataset) rows() int {
	switch d.kind {
	case kindString:
		return len(d.strs)
	case kindFloat32:
		return len(d.f32) / d.width
	case kindInt8:
		return len(d.i8)
	case kindUint32:
		return len(d.u32) / d.width
	default:
		return 0
	}
}

// StringColumn 可增长的字符串列
type StringColumn struct {
	d *dataset
}

// Append 追加若干字符串，含NUL的值会被拒绝
func (c *StringColumn) Append(values ...string) error {
	for _, v := range values {
		if strings.ContainsRune(v, 0) {
			return fmt.Errorf("%w: dataset %q", ErrNUL, c.d.name)
		}
	}
	c.d.strs = append(c.d.strs, values...)
	return nil
}

// Len 返回当前行数
func (c *StringColumn) Len() int { return len(c.d.strs) }

// Float32Column 可增长的定宽float32列
type Float32Column struct {
	d *dataset
}

// AppendRow 追加一行，行宽必须与列宽一致
func (c *Float32Column) AppendRow(row ...float32) error {
	if len(row) != c.d.width {
		return fmt.Errorf("colstore: dataset %q expects %d values per row, got %d",
			c.d.name, c.d.width, len(row))
	}
	c.d.f32 = append(c.d.f32, row...)
	return nil
}

// Rows 返回当前行数
func (c *Float32Column) Rows() int { return len(c.d.f32) / c.d.width }

// Int8Column 可增长的int8列
type Int8Column struct {
	d *dataset
}

// Append 追加若干值
func (c *Int8Column) Append(values ...int8) {
	c.d.i8 = append(c.d.i8, values...)
}

// Len 返回当前行数
func (c *Int8Column) Len() int { return len(c.d.i8) }

// Uint32Column 可增长的定宽uint32列
type Uint32Column struct {
	d *dataset
}

// AppendRow 追加一行，行宽必须与列宽一致
func (c *Uint32Column) AppendRow(row ...uint32) error {
	if len(row) != c.d.width {
		return fmt.Errorf("colstore: dataset %q expects %d values per row, got %d",
			c.d.name, c.d.width, len(row))
	}
	c.d.u32 = append(c.d.u32, row...)
	return nil
}

// Rows 返回当前行数
func (c *Uint32Column) Rows() int { return len(c.d.u32) / c.d.width }
