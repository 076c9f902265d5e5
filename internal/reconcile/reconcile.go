// Package reconcile converges an order's status from broker pushes and
// periodic REST polls.
package reconcile

import (
	"carwash/internal/model"
)

// Reconcile merges the known status with an optional push and an optional
// poll result. A valid poll wins, then a valid push, else current is kept.
func Reconcile(current, push, poll *model.OrderStatus) model.OrderStatus {
	if poll != nil && poll.Valid() {
		return *poll
	}
	if push != nil && push.Valid() {
		return *push
	}
	if current != nil {
		return *current
	}
	return ""
}
