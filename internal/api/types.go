package api

// CreateLimitRequest is the body of POST /concurrency_limits/.
type CreateLimitRequest struct {
	Tag              string `json:"tag" binding:"required"`
	ConcurrencyLimit int    `json:"concurrency_limit" binding:"required"`
}

// FilterRequest is the body of POST /concurrency_limits/filter.
type FilterRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ResetRequest is the body of POST /concurrency_limits/tag/:tag/reset.
type ResetRequest struct {
	SlotOverride []string `json:"slot_override"`
}

// IncrementRequest is the body of POST /concurrency_limits/increment.
type IncrementRequest struct {
	Names     []string `json:"names" binding:"required"`
	TaskRunID string   `json:"task_run_id" binding:"required"`
}

// DecrementRequest is the body of POST /concurrency_limits/decrement.
type DecrementRequest struct {
	Names            []string `json:"names" binding:"required"`
	TaskRunID        string   `json:"task_run_id" binding:"required"`
	OccupancySeconds float64  `json:"occupancy_seconds"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
