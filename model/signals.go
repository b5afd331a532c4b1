package model

import "net/url"

// Wire field names posted by the form layer. The flag fields are literal;
// the CSRF token and field-prefix keys are namespaced by the optional field
// prefix of the submitting form.
const (
	WireNoClose      = "atknoclose"
	WireSaveAndClose = "atksaveandclose"
	WireWizardAction = "atkwizardaction"
	WireCancel       = "atkcancel"
	WireCSRFToken    = "atkcsrftoken"
	WireFieldPrefix  = "atkfieldprefix"
	WireSelector     = "atkselector"
	WireTab          = "atktab"
	WireEscape       = "atkescape"

	// WireVersion echoes the row version the form was rendered from, so a
	// concurrent edit is detected instead of silently overwritten.
	WireVersion = "atkversion"
)

// Signals are the request flags extracted from one form submission. Exactly
// one branch of the update flow is taken based on their presence.
type Signals struct {
	// NoClose: keep the edit view open after saving.
	NoClose bool

	// SaveAndClose: persist and return to the feedback target.
	SaveAndClose bool

	// WizardAction: the submission came from a wizard step button.
	WizardAction bool

	// Cancel: abandon the edit without persisting.
	Cancel bool

	// CSRFToken is the submitted anti-forgery token.
	CSRFToken string

	// FieldPrefix namespaces the token and prefix keys for nested forms.
	FieldPrefix string

	// Selector identifies the stored row among the posted values. Defaults
	// to empty for session-backed rows.
	Selector string

	// Tab is the edit-view tab to return to.
	Tab string

	// Escape is an optional override URL used by the dialog save path.
	Escape string
}

// ParseSignals extracts the request signals from posted form values. The
// field prefix is read first so the namespaced keys resolve against it; an
// absent prefix leaves the namespace empty.
func ParseSignals(form url.Values) Signals {
	prefix := form.Get(WireFieldPrefix)
	return Signals{
		NoClose:      formFlag(form, WireNoClose),
		SaveAndClose: formFlag(form, WireSaveAndClose),
		WizardAction: formFlag(form, WireWizardAction),
		Cancel:       formFlag(form, WireCancel),
		CSRFToken:    form.Get(prefix + WireCSRFToken),
		FieldPrefix:  prefix,
		Selector:     form.Get(WireSelector),
		Tab:          form.Get(WireTab),
		Escape:       form.Get(WireEscape),
	}
}

// Submitted reports whether any recognized submit button was present.
func (s Signals) Submitted() bool {
	return s.NoClose || s.SaveAndClose || s.WizardAction || s.Cancel
}

// SaveRequested reports whether the submission asks for the record to be
// processed and persisted. Cancel is deliberately excluded; it takes its
// own branch.
func (s Signals) SaveRequested() bool {
	return s.NoClose || s.SaveAndClose || s.WizardAction
}

// WantsClose reports whether the actor asked to leave the edit view after a
// successful save.
func (s Signals) WantsClose() bool {
	return !s.NoClose
}

// formFlag treats presence of a non-empty value as true. Submit buttons post
// their label (or "1") when clicked and are absent otherwise.
func formFlag(form url.Values, key string) bool {
	if _, ok := form[key]; !ok {
		return false
	}
	return form.Get(key) != ""
}
