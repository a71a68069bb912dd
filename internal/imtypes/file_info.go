// internal/imtypes/file_info.go
package imtypes

// FileDescriptor 描述图片、视频或文件消息中的单个附件，同时也是上传接口的返回值。
type FileDescriptor struct {
	URL          string `json:"url"`                    // 可公开访问的文件 URL
	ThumbnailURL string `json:"thumbnailUrl,omitempty"` // 缩略图 URL (图片/视频)
	Path         string `json:"-"`                      // 文件在存储系统中的路径，不对外暴露
	Size         int64  `json:"size"`                   // 文件大小 (字节)
	MimeType     string `json:"mimeType"`               // 文件的 MIME 类型
	FileName     string `json:"fileName"`               // 原始文件名
}
