package service

// TransactionStats 聚合了交易状态的统计信息，常用于仪表盘或健康检查。
type TransactionStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Authorized      int   `json:"authorized"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
