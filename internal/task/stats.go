package task

// Stats 聚合了工件状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Idle            int   `json:"idle"`
	Pending         int   `json:"pending"`
	Settled         int   `json:"settled"`
	Failed          int   `json:"failed"`
	Retryable       int   `json:"retryable"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
