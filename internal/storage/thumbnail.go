package storage

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
)

const thumbnailMaxSide = 320

// writeThumbnail 生成不超过 320x320 的缩略图，保存在原图旁边并返回缩略图文件名。
// PNG 与 GIF 输出为 PNG 以保留透明度，其余输出为 JPEG。
func writeThumbnail(srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	img, format, err := image.Decode(src)
	if err != nil {
		return "", fmt.Errorf("解码图片失败: %w", err)
	}
	thumb := resize.Thumbnail(thumbnailMaxSide, thumbnailMaxSide, img, resize.Lanczos3)

	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	name := "thumb_" + base + ".jpg"
	if format == "png" || format == "gif" {
		name = "thumb_" + base + ".png"
	}
	dstPath := filepath.Join(filepath.Dir(srcPath), name)
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if strings.HasSuffix(name, ".png") {
		err = png.Encode(dst, thumb)
	} else {
		err = jpeg.Encode(dst, thumb, &jpeg.Options{Quality: 80})
	}
	if err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("写入缩略图失败: %w", err)
	}
	return name, nil
}
