package orders

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxClientOrderIDLength is the maximum length allowed by Binance
	MaxClientOrderIDLength = 36

	// ProfitPrefix marks the take-profit leg of an entry
	ProfitPrefix = "profit-order-"

	idPrefix = "pm"
)

// Errors for client order ID operations
var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
)

// ProfitClientID is the deterministic id of the profit leg of entryOrderID.
// A retried or repeated submission reuses it, so the exchange rejects the
// duplicate instead of resting a second profit order.
func ProfitClientID(entryOrderID int64) string {
	return ProfitPrefix + strconv.FormatInt(entryOrderID, 10)
}

// ParseProfitClientID returns the entry order id a profit leg belongs to
func ParseProfitClientID(clientOrderID string) (int64, bool) {
	rest, ok := strings.CutPrefix(clientOrderID, ProfitPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsProfitLeg reports whether clientOrderID names a profit leg
func IsProfitLeg(clientOrderID string) bool {
	_, ok := ParseProfitClientID(clientOrderID)
	return ok
}

// NewClientID creates the id of one logical order intent.
// Format: pm-[CODE]-[32 hex] (e.g. "pm-E-9b2f...").
// The id is generated once per intent and reused across its retries.
func NewClientID(intent Intent) (string, error) {
	code, ok := IntentCode[intent]
	if !ok {
		return "", fmt.Errorf("%w: unknown intent %q", ErrInvalidClientOrderID, intent)
	}
	id := fmt.Sprintf("%s-%s-%s", idPrefix, code, strings.ReplaceAll(uuid.New().String(), "-", ""))
	if len(id) > MaxClientOrderIDLength {
		id = id[:MaxClientOrderIDLength]
	}
	return id, nil
}

// IntentOf recovers the intent from a client order id created by this
// engine. Ids of other origins return false.
func IntentOf(clientOrderID string) (Intent, bool) {
	if IsProfitLeg(clientOrderID) {
		return IntentProfit, true
	}
	parts := strings.SplitN(clientOrderID, "-", 3)
	if len(parts) != 3 || parts[0] != idPrefix {
		return "", false
	}
	for intent, code := range IntentCode {
		if code == parts[1] {
			return intent, true
		}
	}
	return "", false
}
