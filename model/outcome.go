package model

// Outcome is the single result of one update submission. Exactly one outcome
// is produced per invocation of the update flow; it is never partially true.
type Outcome string

const (
	// OutcomePersisted: the record passed validation and the store committed it.
	OutcomePersisted Outcome = "persisted"

	// OutcomeValidationFailed: validation (or a user-facing store error)
	// attached errors; the submission is recoverable by correcting and
	// resubmitting.
	OutcomeValidationFailed Outcome = "validation_failed"

	// OutcomeFatalStoreError: the store rejected the update with a
	// non-recoverable failure; the transaction was rolled back.
	OutcomeFatalStoreError Outcome = "fatal_store_error"

	// OutcomeCancelled: the actor abandoned the edit; no mutation occurred.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeAccessDenied: the actor may not update this record.
	OutcomeAccessDenied Outcome = "access_denied"

	// OutcomeCSRFRejected: the submitted token failed verification; no
	// validation or mutation occurred.
	OutcomeCSRFRejected Outcome = "csrf_rejected"

	// OutcomeNoActionTaken: no recognized submit button was present; the
	// submission is a silent no-op refresh of the edit view.
	OutcomeNoActionTaken Outcome = "no_action_taken"
)
