package presence

import (
	"context"
	"time"
)

// ErrorCode classifies position-source failures the way the platform
// reports them.
type ErrorCode string

const (
	ErrPermissionDenied    ErrorCode = "permission_denied"
	ErrPositionUnavailable ErrorCode = "position_unavailable"
	ErrTimeout             ErrorCode = "timeout"
)

// SourceError is a typed position-source failure.
type SourceError struct {
	Code ErrorCode
	Msg  string
}

func (e *SourceError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Msg
}

// Fix is one raw position fix.
type Fix struct {
	Lat       float64
	Lng       float64
	Accuracy  float64
	Timestamp time.Time
}

// Source is the continuous position stream. Watch may block up to a
// bounded timeout before the first fix; thereafter fixes arrive until
// Stop. Stop must guarantee no further fixes are delivered.
type Source interface {
	Watch(ctx context.Context) (<-chan Fix, <-chan *SourceError, error)
	Stop()
}
