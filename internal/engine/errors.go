package engine

import "github.com/roach88/epistemic/internal/ir"

// NextStep returns the one concrete action a caller should take after err.
// It never mentions thresholds or submitted values.
func NextStep(err error) string {
	switch ir.ErrorType(err) {
	case "":
		return ""
	case ir.CodeInvalidVector:
		return "resubmit with all thirteen vectors between 0 and 1"
	case ir.CodeTransactionClosed:
		return "submit a new PREFLIGHT to open the next transaction"
	case ir.CodeTransactionState:
		return "submit POSTFLIGHT for the open transaction, or declare parallel mode"
	case ir.CodeRushedAssessment:
		return "log what you have investigated as findings or unknowns, then CHECK again"
	case ir.CodeUnresolved:
		return "submit PREFLIGHT to start a transaction, or pass the session explicitly"
	case ir.CodeSessionNotFound:
		return "pass an existing session id, or omit it to start a new session"
	case ir.CodeStorageError:
		return "retry the submission; if it keeps failing, check the database path"
	}
	return "retry; if the error persists, report it"
}
