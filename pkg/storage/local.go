package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage 本地文件系统的制品发布实现
type LocalStorage struct {
	basePath string // 基础存储路径
}

// LocalConfig 本地存储配置
type LocalConfig struct {
	Path string // 本地存储路径
}

// NewLocalStorage 创建本地存储实例
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %v", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %v", err)
	}

	return &LocalStorage{
		basePath: absPath,
	}, nil
}

// resolve 把对象键映射到本地路径，拒绝越出基础目录的键
func (s *LocalStorage) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.basePath, cleaned), nil
}

// Save 保存制品到本地存储
func (s *LocalStorage) Save(ctx context.Context, reader io.Reader, size int64, key string) (ArtifactInfo, error) {
	path, err := s.resolve(key)
	if err != nil {
		return ArtifactInfo{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ArtifactInfo{}, fmt.Errorf("failed to create directory: %v", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return ArtifactInfo{}, fmt.Errorf("failed to create file: %v", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		return ArtifactInfo{}, fmt.Errorf("failed to write file: %v", err)
	}

	return ArtifactInfo{
		Key:  key,
		Size: written,
	}, nil
}

// Get 获取制品内容
func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	return file, nil
}

// Exists 检查制品是否已发布
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete 删除已发布的制品
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete file: %v", err)
	}
	return nil
}

// List 列出某个前缀下的全部制品
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]ArtifactInfo, error) {
	var artifacts []ArtifactInfo

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relPath)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		artifacts = append(artifacts, ArtifactInfo{
			Key:  key,
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %v", err)
	}

	return artifacts, nil
}
