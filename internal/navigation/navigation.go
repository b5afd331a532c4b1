// Package navigation builds the effect directive returned with every
// update outcome. Effects are structured descriptions of what the client
// should do next (follow a redirect, re-render the edit form, close a
// dialog); rendering them is entirely the client's concern.
package navigation

import (
	"fmt"
	"net/url"

	"github.com/pitabwire/rekod/model"
)

// Effect kinds.
const (
	EffectRedirect     = "redirect"
	EffectRenderEdit   = "render_edit"
	EffectAccessDenied = "access_denied"
	EffectDialogClose  = "dialog_close"
	EffectDialogUpdate = "dialog_update"
)

// Feedback tags carried on redirect effects.
const (
	FeedbackSuccess   = "ACTION_SUCCESS"
	FeedbackFailed    = "ACTION_FAILED"
	FeedbackCancelled = "ACTION_CANCELLED"
)

// Effect is the single navigation directive an update outcome produces.
type Effect struct {
	// Type is one of the Effect* kinds.
	Type string `json:"type"`

	// Target is the URL to follow for redirect and render_edit effects.
	Target string `json:"target,omitempty"`

	// Feedback tags the destination page with the action result.
	Feedback string `json:"feedback,omitempty"`

	// ReplaceStack tells the client to replace the current history entry
	// instead of pushing a new one, so back navigation skips the POST.
	ReplaceStack bool `json:"replace_stack,omitempty"`

	// Message carries a human-readable diagnostic for failure feedback.
	Message string `json:"message,omitempty"`

	// Errors carries the record's error annotations for render_edit and
	// dialog_update effects.
	Errors []model.FieldError `json:"errors,omitempty"`
}

// Builder assembles effects from configured paths.
type Builder struct {
	feedbackPath  string
	editPath      string
	editAction    string
	dialogSaveURL string
}

// NewBuilder creates a Builder. editAction names the action a re-edit
// redirect targets, commonly "edit".
func NewBuilder(feedbackPath, editPath, editAction, dialogSaveURL string) *Builder {
	return &Builder{
		feedbackPath:  feedbackPath,
		editPath:      editPath,
		editAction:    editAction,
		dialogSaveURL: dialogSaveURL,
	}
}

// Saved is the effect after a persisted record when the form closes:
// a feedback redirect tagged with success.
func (b *Builder) Saved(rec *model.Record) Effect {
	return Effect{
		Type:         EffectRedirect,
		Target:       b.feedbackURL(rec.Entity, rec.Selector, FeedbackSuccess),
		Feedback:     FeedbackSuccess,
		ReplaceStack: true,
	}
}

// SavedStay is the effect after a persisted record when the form stays
// open: a redirect back to the edit action on the same row and tab,
// replacing the current history entry so a reload does not resubmit.
func (b *Builder) SavedStay(rec *model.Record, tab string) Effect {
	return Effect{
		Type:         EffectRedirect,
		Target:       b.editURL(rec, tab),
		Feedback:     FeedbackSuccess,
		ReplaceStack: true,
	}
}

// ValidationFailed re-presents the edit form with the record's errors.
func (b *Builder) ValidationFailed(rec *model.Record, tab string) Effect {
	return Effect{
		Type:   EffectRenderEdit,
		Target: b.editURL(rec, tab),
		Errors: rec.AllErrors(),
	}
}

// StoreFailed is the effect after a fatal store error: a feedback redirect
// tagged with failure, carrying the store diagnostic.
func (b *Builder) StoreFailed(rec *model.Record, message string) Effect {
	return Effect{
		Type:         EffectRedirect,
		Target:       b.feedbackURL(rec.Entity, rec.Selector, FeedbackFailed),
		Feedback:     FeedbackFailed,
		ReplaceStack: true,
		Message:      message,
	}
}

// Cancelled is the effect after an explicit cancel.
func (b *Builder) Cancelled(rec *model.Record) Effect {
	return Effect{
		Type:         EffectRedirect,
		Target:       b.feedbackURL(rec.Entity, rec.Selector, FeedbackCancelled),
		Feedback:     FeedbackCancelled,
		ReplaceStack: true,
	}
}

// NoAction is the effect when the submission carried no recognized action:
// a silent redirect back to the edit view on the same row and tab, with no
// feedback tag.
func (b *Builder) NoAction(rec *model.Record, tab string) Effect {
	return Effect{
		Type:         EffectRedirect,
		Target:       b.editURL(rec, tab),
		ReplaceStack: true,
	}
}

// AccessDenied is the effect when authorization or forgery checks reject
// the submission.
func (b *Builder) AccessDenied() Effect {
	return Effect{Type: EffectAccessDenied}
}

// AccessDeniedDialog renders the access-denied fragment inside the
// originating dialog instead of navigating the full page away.
func (b *Builder) AccessDeniedDialog() Effect {
	return Effect{
		Type:    EffectDialogUpdate,
		Message: "access denied",
	}
}

// DialogSaved closes the originating dialog after a persisted record. When
// a dialog save URL is configured the client follows it to refresh the
// underlying view.
func (b *Builder) DialogSaved(rec *model.Record) Effect {
	return Effect{
		Type:     EffectDialogClose,
		Target:   b.dialogSaveURL,
		Feedback: FeedbackSuccess,
	}
}

// DialogFailed re-renders the form inside the dialog with the record's
// errors.
func (b *Builder) DialogFailed(rec *model.Record, tab string) Effect {
	return Effect{
		Type:   EffectDialogUpdate,
		Target: b.editURL(rec, tab),
		Errors: rec.AllErrors(),
	}
}

// DialogCancelled closes the dialog without touching the underlying view.
func (b *Builder) DialogCancelled() Effect {
	return Effect{Type: EffectDialogClose, Feedback: FeedbackCancelled}
}

// feedbackURL carries the entity, the row selector, and the outcome tag so
// the feedback page can describe what happened to which record.
func (b *Builder) feedbackURL(entityID, selector, feedback string) string {
	q := url.Values{}
	q.Set("entity", entityID)
	if selector != "" {
		q.Set(model.WireSelector, selector)
	}
	if feedback != "" {
		q.Set("feedback", feedback)
	}
	return b.feedbackPath + "?" + q.Encode()
}

func (b *Builder) editURL(rec *model.Record, tab string) string {
	q := url.Values{}
	q.Set("action", b.editAction)
	q.Set(model.WireSelector, rec.Selector)
	if tab != "" {
		q.Set(model.WireTab, tab)
	}
	return fmt.Sprintf("%s/%s?%s", b.editPath, rec.Entity, q.Encode())
}
