package logger

import "go.uber.org/zap"

// Standard field names for structured logging.
const (
	FieldComponent = "component"
	FieldRunID     = "run_id"
	FieldSource    = "source"
	FieldDest      = "destination"

	FieldItemID = "item_id"
	FieldIndex  = "index"
	FieldState  = "state"
	FieldStatus = "status"
	FieldReason = "reason"

	FieldCount    = "count"
	FieldTotal    = "total"
	FieldRound    = "round"
	FieldStalls   = "stalls"
	FieldElapsed  = "elapsed"
	FieldETA      = "eta"
	FieldDuration = "duration"
	FieldError    = "error"
	FieldPath     = "path"
	FieldAddress  = "address"
)

// ComponentLogger returns a named child of the global logger.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name).With(FieldComponent, name)
}
