package events

import (
	"context"

	"perp-monitor/internal/logging"
)

// LogSink writes lifecycle events to the structured log. Rejections are
// logged at warn, everything else at debug.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("order-events")}
}

func (s *LogSink) Publish(ctx context.Context, e Event) {
	l := s.logger.WithFields(map[string]interface{}{
		"symbol":          e.Symbol,
		"intent":          e.Intent,
		"client_order_id": e.ClientOrderID,
		"order_id":        e.OrderID,
		"side":            e.Side,
		"quantity":        e.Quantity,
		"price":           e.Price,
		"attempt":         e.Attempt,
	})
	if tick := logging.TickIDFromContext(ctx); tick != "" {
		l = l.WithField("tick_id", tick)
	}

	switch e.Type {
	case EventRejected, EventRateLimited:
		l.WithField("code", e.Code).Warn("order %s: %s", e.Type, e.Reason)
	default:
		l.Debug("order %s", e.Type)
	}
}
