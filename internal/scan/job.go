package scan

import (
	"time"

	"divscan/internal/analysis/divergence"
	"divscan/internal/store"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
	JobStatusPartial = "partial"
)

const (
	JobKindScan     = "scan"
	JobKindBackfill = "backfill"
)

// Params 描述一次批量任务的请求参数。扫描任务用 Symbols/Interval/Bars，
// 补齐任务额外使用 Start/End（毫秒）。
type Params struct {
	Symbols  []string `json:"symbols"`
	Interval string   `json:"interval,omitempty"`
	Bars     int      `json:"bars,omitempty"`
	Profile  string   `json:"profile,omitempty"`
	Start    int64    `json:"start,omitempty"`
	End      int64    `json:"end,omitempty"`
}

// SymbolResult 是单个交易对的扫描产出。Error 非空表示该交易对失败，
// 但不影响同一任务里的其他交易对。
type SymbolResult struct {
	Symbol   string             `json:"symbol"`
	Interval string             `json:"interval"`
	Profile  string             `json:"profile,omitempty"`
	Bars     int                `json:"bars"`
	Events   []divergence.Event `json:"events"`
	Tallies  []divergence.Tally `json:"tallies,omitempty"`
	Outcomes []Outcome          `json:"outcomes,omitempty"`
	Stats    []TypeStat         `json:"stats,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Job 用于在内存中跟踪任务进度。
type Job struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Params    Params         `json:"params"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Message   string         `json:"message"`
	Warnings  []string       `json:"warnings"`
	Missing   []store.Gap    `json:"missing,omitempty"`
	Results   []SymbolResult `json:"results,omitempty"`
}

func (j *Job) copy() Job {
	if j == nil {
		return Job{}
	}
	out := *j
	out.Warnings = append([]string{}, j.Warnings...)
	out.Missing = append([]store.Gap{}, j.Missing...)
	out.Results = append([]SymbolResult{}, j.Results...)
	return out
}
