// Package closeorder implements the close-order lifecycle: registration,
// chain-state refresh, off-chain trigger monitoring, and execution with a
// bounded retry budget.
package closeorder

import (
	"fmt"

	"lpguard/internal/domain"
)

// transitions enumerates the permitted status edges. Cancelled and
// expired are reachable from every non-terminal status and are therefore
// added in canTransition rather than listed per edge.
var transitions = map[domain.CloseOrderStatus][]domain.CloseOrderStatus{
	domain.OrderPending:     {domain.OrderRegistering},
	domain.OrderRegistering: {domain.OrderActive},
	domain.OrderActive:      {domain.OrderTriggering},
	domain.OrderTriggering:  {domain.OrderExecuted, domain.OrderFailed, domain.OrderActive},
}

// canTransition reports whether from → to is a permitted edge.
func canTransition(from, to domain.CloseOrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == domain.OrderCancelled || to == domain.OrderExpired {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition validates an edge, distinguishing terminal-state
// conflicts from plainly invalid edges.
func checkTransition(from, to domain.CloseOrderStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: order is %s, no further transitions", domain.ErrConflict, from)
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: transition %s -> %s is not permitted", domain.ErrValidation, from, to)
	}
	return nil
}
