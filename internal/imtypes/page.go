package imtypes

// PageMeta 是分页元数据。页码从 1 开始，第 1 页是最新的消息。
type PageMeta struct {
	CurrentPage int   `json:"currentPage"`
	TotalPages  int   `json:"totalPages"`
	TotalCount  int64 `json:"totalCount"`
	Limit       int   `json:"limit"`
}

// HasMore reports whether an older page can still be requested.
func (m PageMeta) HasMore() bool {
	return m.CurrentPage < m.TotalPages
}

// MessagePage 是 GET /conversations/{id}/messages 的响应体。
// Data 在页内按最新在前排列。
type MessagePage struct {
	Data []Message `json:"data"`
	Meta PageMeta  `json:"meta"`
}
