package guard

import (
	"errors"

	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/metrics"
)

// Guard wraps ParseBroadcast for the state-update paths. Rejections are
// logged and counted, never returned to the caller as errors: a malformed
// payload usually comes from a misbehaving peer, not the local user.
type Guard struct {
	logger *zap.Logger
}

// New returns a Guard that logs rejections to logger. A nil logger discards.
func New(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger}
}

// Admit returns the validated payload and true, or nil and false when the
// payload must be dropped.
func (g *Guard) Admit(event string, raw any) (Payload, bool) {
	p, err := ParseBroadcast(event, raw)
	if err != nil {
		label := eventLabel(event)
		fields := []zap.Field{zap.String("event", label)}
		var rej *Rejection
		if errors.As(err, &rej) {
			fields = append(fields, zap.String("field", rej.Field), zap.String("reason", rej.Reason))
		}
		g.logger.Warn("dropped broadcast payload", fields...)
		metrics.BroadcastsTotal.WithLabelValues(label, "dropped").Inc()
		return nil, false
	}
	metrics.BroadcastsTotal.WithLabelValues(p.Event(), "admitted").Inc()
	return p, true
}

// eventLabel keeps peer-controlled event names out of metric labels.
func eventLabel(event string) string {
	switch event {
	case EventCodeChange, EventChatMessage:
		return event
	default:
		return "unknown"
	}
}
