package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	tickIDKey contextKey = "tick_id"
)

// GenerateTickID generates a new tick identifier
func GenerateTickID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// FromContextOr retrieves the logger from context, falling back to l
func FromContextOr(ctx context.Context, l *Logger) *Logger {
	if cl, ok := ctx.Value(loggerKey).(*Logger); ok {
		return cl
	}
	return l
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TickIDFromContext returns the tick id carried by ctx, if any
func TickIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tickIDKey).(string)
	return id
}

// WithTickContext tags ctx with a fresh tick id and a symbol-scoped logger
func WithTickContext(ctx context.Context, base *Logger, symbol string) (context.Context, *Logger) {
	tickID := GenerateTickID()
	l := base.WithFields(map[string]interface{}{
		"symbol":  symbol,
		"tick_id": tickID,
	})
	newCtx := context.WithValue(ctx, tickIDKey, tickID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// OrderContext creates a logger context for order operations
func OrderContext(l *Logger, symbol, side, orderType string, quantity, price float64) *Logger {
	return l.WithFields(map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"type":     orderType,
		"quantity": quantity,
		"price":    price,
	})
}

// ExchangeContext creates a logger context for exchange calls
func ExchangeContext(l *Logger, method, path string, status int) *Logger {
	return l.WithFields(map[string]interface{}{
		"method": method,
		"path":   path,
		"status": status,
	})
}

// GinMiddleware logs each ops request
func GinMiddleware(l *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := l.WithFields(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).WithDuration(time.Since(start))

		if c.Writer.Status() >= 500 {
			entry.Error("request failed")
		} else {
			entry.Debug("request completed")
		}
	}
}
