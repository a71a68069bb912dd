// internal/imtypes/storage_service_iface.go
package imtypes

import (
	"context"
	"io"
)

// StorageService 定义了文件存储操作的接口。
// 将接口定义放在 imtypes 中以打破 storage 和 handlers 之间的循环依赖。
type StorageService interface {
	// UploadFile 将读取器中的内容上传到存储系统，返回可直接放入 Content.Files 的描述。
	UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*FileDescriptor, error)
}
