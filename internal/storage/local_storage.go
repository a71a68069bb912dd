package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
)

// LocalStorageService 实现了 imtypes.StorageService 接口，把上传文件保存到本地目录。
type LocalStorageService struct {
	basePath string // 本地存储的基础路径，例如 "./uploads"
	baseURL  string // 文件访问 URL 的前缀，例如 "/uploads"
}

// NewLocalStorageService 创建一个新的 LocalStorageService 实例。
func NewLocalStorageService(cfg config.StorageConfig) (*LocalStorageService, error) {
	if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败 '%s': %w", cfg.LocalPath, err)
	}
	return &LocalStorageService{
		basePath: cfg.LocalPath,
		baseURL:  cfg.PublicPrefix,
	}, nil
}

// UploadFile 将文件保存到本地文件系统。
func (s *LocalStorageService) UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*imtypes.FileDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// 生成唯一文件名，保留原始扩展名
	ext := filepath.Ext(fileName)
	if ext == "" {
		if extensions, _ := mime.ExtensionsByType(mimeType); len(extensions) > 0 {
			ext = extensions[0]
		}
	}
	uniqueFileName := uuid.New().String() + ext
	dstPath := filepath.Join(s.basePath, uniqueFileName)

	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("创建目标文件失败 '%s': %w", dstPath, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, reader)
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("写入文件失败: %w", err)
	}
	if fileSize >= 0 && written != fileSize {
		os.Remove(dstPath)
		return nil, fmt.Errorf("文件大小不匹配: 预期 %d, 实际写入 %d", fileSize, written)
	}

	fileURL := s.publicURL(uniqueFileName)
	fd := &imtypes.FileDescriptor{
		URL:      fileURL,
		Path:     dstPath,
		Size:     written,
		MimeType: mimeType,
		FileName: fileName,
	}
	if KindForMime(mimeType) == imtypes.ImageContent {
		// 无法解码的图片 (例如 webp) 直接用原图作缩略图
		fd.ThumbnailURL = fileURL
		if err := dst.Close(); err == nil {
			if name, err := writeThumbnail(dstPath); err == nil {
				fd.ThumbnailURL = s.publicURL(name)
			}
		}
	}
	return fd, nil
}

func (s *LocalStorageService) publicURL(name string) string {
	return strings.TrimSuffix(s.baseURL, "/") + "/" + url.PathEscape(name)
}

// KindForMime 根据 MIME 类型推断消息内容类型。
func KindForMime(mimeType string) imtypes.ContentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return imtypes.ImageContent
	case strings.HasPrefix(mimeType, "video/"):
		return imtypes.VideoContent
	default:
		return imtypes.FileContent
	}
}
