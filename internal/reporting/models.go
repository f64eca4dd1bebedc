package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one user.
// User scoping: UserID is required; records are matched on either side of the call.

type CallsSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string `json:"user_id"`

	TotalCalls     int `json:"total_calls"`
	ConnectedCalls int `json:"connected_calls"`
	MissedCalls    int `json:"missed_calls"`
	DeclinedCalls  int `json:"declined_calls"`
	CancelledCalls int `json:"cancelled_calls"`
	FailedCalls    int `json:"failed_calls"`

	OutgoingCalls int `json:"outgoing_calls"`
	IncomingCalls int `json:"incoming_calls"`
	VideoCalls    int `json:"video_calls"`

	TotalDurationSeconds   int64 `json:"total_duration_seconds"`
	AverageDurationSeconds int64 `json:"average_duration_seconds"`
}

// AnswerMetricsRequest measures how the user's outgoing calls fare.
// Ring time is accepted−started, so it only exists for answered calls.

type AnswerMetricsRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type AnswerMetrics struct {
	UserID string `json:"user_id"`

	CallsPlaced   int `json:"calls_placed"`
	CallsAnswered int `json:"calls_answered"`

	AnswerRate         float64 `json:"answer_rate"`
	AverageRingSeconds float64 `json:"average_ring_seconds"`
}
