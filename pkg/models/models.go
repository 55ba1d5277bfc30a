package models

import (
	"time"

	"github.com/samber/lo"
)

// Role identifies which part of a transfer a task performs.
type Role string

const (
	RoleExport Role = "export"
	RoleImport Role = "import"
	RoleCopy   Role = "copy"
)

// TransferResult contains the result of one task for a single collection
type TransferResult struct {
	Collection string        `json:"collection"`
	Role       Role          `json:"role"`
	Success    bool          `json:"success"`
	Documents  int64         `json:"documents,omitempty"`
	Failures   int64         `json:"failures,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
}

// SyncResult contains the overall result of a sync run. It is only
// used for the summary printed at the end of a run.
type SyncResult struct {
	RunID    string           `json:"runId"`
	Strategy string           `json:"strategy"`
	Results  []TransferResult `json:"results"`
	Counts   map[string]int64 `json:"counts,omitempty"`
	Elapsed  time.Duration    `json:"elapsed"`
	Success  bool             `json:"success"`
}

// Documents sums the documents moved by the results with the given role.
func (r *SyncResult) Documents(role Role) int64 {
	return lo.SumBy(r.Results, func(res TransferResult) int64 {
		if res.Role != role {
			return 0
		}
		return res.Documents
	})
}

// Failed returns the results which did not succeed.
func (r *SyncResult) Failed() []TransferResult {
	return lo.Filter(r.Results, func(res TransferResult, _ int) bool {
		return !res.Success
	})
}
