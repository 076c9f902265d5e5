// Package topic names the broker topics shared by the kiosk, the customer
// session and the backend, and matches them against subscription filters.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	orderPrefix        = "order_"
	kioskPaymentPrefix = "kiosk_payment_"

	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

var (
	ErrEmptyPattern     = errors.New("empty topic pattern")
	ErrInvalidWildcard  = errors.New("invalid wildcard placement")
	ErrInvalidCharacter = errors.New("invalid character in topic")
)

// Order returns the topic carrying status changes of one order
func Order(orderID string) string {
	return orderPrefix + orderID
}

// KioskPayment returns the topic carrying payment assignments for one kiosk device
func KioskPayment(deviceID string) string {
	return kioskPaymentPrefix + deviceID
}

// OrderID extracts the order id from an order topic
func OrderID(t string) (string, bool) {
	if !strings.HasPrefix(t, orderPrefix) {
		return "", false
	}
	return t[len(orderPrefix):], true
}

// DeviceID extracts the device id from a kiosk payment topic
func DeviceID(t string) (string, bool) {
	if !strings.HasPrefix(t, kioskPaymentPrefix) {
		return "", false
	}
	return t[len(kioskPaymentPrefix):], true
}

// ValidatePattern reports whether pattern is a well formed subscription filter.
// '+' must occupy a whole level and '#' must be the last level.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	if strings.ContainsRune(pattern, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidCharacter, pattern)
	}

	levels := strings.Split(pattern, separator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidWildcard, pattern)
			}
		case level == singleLevel:
		case strings.ContainsAny(level, singleLevel+multiLevel):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidWildcard, pattern)
		}
	}
	return nil
}

// ValidateTopic reports whether t is a concrete topic that can be published to
func ValidateTopic(t string) error {
	if t == "" {
		return ErrEmptyPattern
	}
	if strings.ContainsAny(t, singleLevel+multiLevel) || strings.ContainsRune(t, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidCharacter, t)
	}
	return nil
}

// Match reports whether the concrete topic t is selected by the filter pattern
func Match(pattern, t string) bool {
	if pattern == t {
		return true
	}
	if pattern == "" || t == "" {
		return false
	}

	// topics starting with '$' are reserved and never match a leading wildcard
	if strings.HasPrefix(t, "$") && (strings.HasPrefix(pattern, singleLevel) || strings.HasPrefix(pattern, multiLevel)) {
		return false
	}

	pl := strings.Split(pattern, separator)
	tl := strings.Split(t, separator)

	for i, p := range pl {
		if p == multiLevel {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if p != singleLevel && p != tl[i] {
			return false
		}
	}

	return len(pl) == len(tl)
}
