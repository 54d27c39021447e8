// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID  = "request_id"
	FieldTaskID     = "task_id"
	FieldShadeID    = "shade_id"
	FieldScene      = "scene"
	FieldScheduleID = "schedule_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Hardware fields
	FieldPort  = "port"
	FieldFrame = "frame"
)
