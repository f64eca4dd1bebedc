package reporting

import (
	"context"
	"errors"
	"time"

	"mentorcall/internal/call"
	"mentorcall/internal/history"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Implementations must enforce user filtering (records where the user is
//   caller OR receiver, started within [from, to)).
// - history.PostgresStore and history.MemoryStore both satisfy this.

type Repository interface {
	ListCalls(ctx context.Context, userID string, from, to time.Time) ([]history.Record, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.UserID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID}
	for _, rec := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += rec.DurationSeconds
		if rec.Connected() {
			out.ConnectedCalls++
		}
		if rec.CallType == history.CallTypeVideo {
			out.VideoCalls++
		}
		if rec.CallerID == req.UserID {
			out.OutgoingCalls++
		} else {
			out.IncomingCalls++
		}
		switch rec.EndReason {
		case call.ReasonNoAnswer:
			out.MissedCalls++
		case call.ReasonDeclined:
			out.DeclinedCalls++
		case call.ReasonCancelled:
			out.CancelledCalls++
		case call.ReasonConnectionLost:
			out.FailedCalls++
		case call.ReasonCompleted:
			// counted via ConnectedCalls
		default:
			// Remote peers may send free-form end reasons. A call that never
			// connected and ended with one is a failure; a connected one is a
			// normal hang-up.
			if !rec.Connected() {
				out.FailedCalls++
			}
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / int64(out.TotalCalls)
	}
	return out, nil
}

func (s *Service) AnswerMetrics(ctx context.Context, req AnswerMetricsRequest) (AnswerMetrics, error) {
	if req.UserID == "" {
		return AnswerMetrics{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return AnswerMetrics{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return AnswerMetrics{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return AnswerMetrics{}, err
	}

	out := AnswerMetrics{UserID: req.UserID}
	var ringSeconds float64
	for _, rec := range rows {
		if rec.CallerID != req.UserID {
			continue
		}
		out.CallsPlaced++
		if rec.AcceptedAt == nil {
			continue
		}
		out.CallsAnswered++
		ringSeconds += rec.AcceptedAt.Sub(rec.StartedAt).Seconds()
	}

	if out.CallsPlaced > 0 {
		out.AnswerRate = float64(out.CallsAnswered) / float64(out.CallsPlaced)
	}
	if out.CallsAnswered > 0 {
		out.AverageRingSeconds = ringSeconds / float64(out.CallsAnswered)
	}
	return out, nil
}
