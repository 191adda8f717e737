package engine

import (
	"fmt"

	"github.com/roach88/epistemic/internal/ir"
)

// event drives a transaction from one state to the next.
type event string

const (
	eventProceed     event = "check_proceed"
	eventInvestigate event = "check_investigate"
	eventPostflight  event = "postflight"
)

// transitions lists every legal move. PREFLIGHT creates the transaction in
// OPEN_PREFLIGHT and is not an event. CLOSED is terminal and has no row.
var transitions = map[ir.TxState]map[event]ir.TxState{
	ir.StateOpenPreflight: {
		eventProceed:     ir.StateOpenChecked,
		eventInvestigate: ir.StateOpenInvestigating,
		eventPostflight:  ir.StateClosed,
	},
	ir.StateOpenInvestigating: {
		eventProceed:     ir.StateOpenChecked,
		eventInvestigate: ir.StateOpenInvestigating,
		eventPostflight:  ir.StateClosed,
	},
	ir.StateOpenChecked: {
		eventProceed:     ir.StateOpenChecked,
		eventInvestigate: ir.StateOpenInvestigating,
		eventPostflight:  ir.StateClosed,
	},
}

// next returns the state txn moves to on ev.
func next(txn ir.Transaction, ev event) (ir.TxState, error) {
	if txn.State == ir.StateClosed {
		return "", &ir.TransactionClosedError{TransactionID: txn.ID}
	}
	to, ok := transitions[txn.State][ev]
	if !ok {
		return "", &ir.TransactionStateError{
			TransactionID: txn.ID,
			State:         txn.State,
			Message:       fmt.Sprintf("%s is not allowed here", ev),
		}
	}
	return to, nil
}

func checkEvent(d ir.Decision) event {
	if d == ir.DecisionProceed {
		return eventProceed
	}
	return eventInvestigate
}
