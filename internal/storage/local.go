package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/errs"
	"go-dm-relay/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// LocalUploader 把文件写到本地目录，通过 /files 路由对外提供
type LocalUploader struct {
	basePath string
	baseURL  string
}

// FileInfo describes a stored file for the download route.
type FileInfo struct {
	Name     string
	Path     string
	Size     int64
	MimeType string
}

func NewLocalUploader(cfg config.LocalConfig) (*LocalUploader, error) {
	basePath := cfg.Path
	if basePath == "" {
		basePath = "uploads"
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "/files"
	}

	// 确保目录存在
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalUploader{basePath: basePath, baseURL: baseURL}, nil
}

// Upload writes data under a name made unique by a short content-and-time hash.
func (u *LocalUploader) Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir, file := path.Split(path.Clean("/" + name))
	ext := path.Ext(file)

	// 用原始文件名+时间戳+内容长度生成哈希，确保唯一
	h := sha256.New()
	io.WriteString(h, fmt.Sprintf("%s%d%d", name, time.Now().UnixNano(), len(data)))
	hash := fmt.Sprintf("%x", h.Sum(nil))[:12]

	// 净化原始文件名
	safeName := strings.ReplaceAll(strings.TrimSuffix(file, ext), " ", "_")
	if safeName == "" {
		safeName = "file"
	}
	rel := path.Join(dir, fmt.Sprintf("%s_%s%s", safeName, hash, ext))

	target := filepath.Join(u.basePath, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	logger.L.Debug("File stored locally",
		zap.String("path", target),
		zap.String("mimeType", mimeType),
		zap.Int("size", len(data)))
	return u.baseURL + rel, nil
}

// Open resolves a path below the base directory for download.
func (u *LocalUploader) Open(rel string) (*FileInfo, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return nil, errs.NotFound("file %s", rel)
	}
	full := filepath.Join(u.basePath, filepath.FromSlash(clean))

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFound("file %s", rel)
		}
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.IsDir() {
		return nil, errs.NotFound("file %s", rel)
	}

	mt, err := mimetype.DetectFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return &FileInfo{
		Name:     info.Name(),
		Path:     full,
		Size:     info.Size(),
		MimeType: mt.String(),
	}, nil
}
