package graph

// Stats 聚合了任务状态的统计信息，调度器用它判断整个流程是否结束。
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// Active 返回仍需调度关注的任务数量。当返回 0 且没有受阻任务时，
// 一次完整的调度扫描即可宣告流程结束。
func (s Stats) Active() int {
	return s.Pending + s.Assigned + s.InProgress
}
