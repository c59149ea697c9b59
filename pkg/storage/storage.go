package storage

import (
	"context"
	"io"
)

// ArtifactInfo 已发布制品的元数据
type ArtifactInfo struct {
	Key  string // 对象键（桶号/制品文件名）
	Size int64  // 制品大小(字节)
}

// Storage 制品发布接口
// 构建完成的列存储制品按对象键发布，可以有不同实现(本地文件系统、MinIO等)
type Storage interface {
	// Save 按对象键保存制品
	Save(ctx context.Context, reader io.Reader, size int64, key string) (ArtifactInfo, error)

	// Get 获取制品内容
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists 检查制品是否已发布
	Exists(ctx context.Context, key string) (bool, error)

	// Delete 删除已发布的制品
	Delete(ctx context.Context, key string) error

	// List 列出某个前缀下的全部制品
	List(ctx context.Context, prefix string) ([]ArtifactInfo, error)
}
