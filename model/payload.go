package model

import (
	"encoding/json"
	"fmt"
)

// FormState is the opaque bag of form-section values collected by the intake
// wizard, keyed by section name (basicInfo, pageDetails, branding, ...).
// The reconciliation logic never inspects section contents; only the
// workType selection is read through a typed accessor.
type FormState map[string]any

// SelectedWorkType extracts form.workType.selectedWorkType, if present.
func (f FormState) SelectedWorkType() (WorkType, bool) {
	section, ok := f["workType"].(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := section["selectedWorkType"].(string)
	if !ok || raw == "" {
		return "", false
	}
	wt, err := ParseWorkType(raw)
	if err != nil {
		return "", false
	}
	return wt, true
}

// Progress records how far through the wizard the user has advanced.
// CurrentStep is 1-based in the persisted payload; step 0 or absence means
// the user never left the entry step.
type Progress struct {
	CurrentStep int `json:"currentStep"`
}

// ResumePayload is the {form, progress} envelope persisted on auto-save and
// replayed by reconciliation. It round-trips through JSON both in the draft's
// intake-form metadata entry and in the session snapshot store.
type ResumePayload struct {
	Form     FormState `json:"form"`
	Progress Progress  `json:"progress"`
}

// Empty reports whether the payload carries no usable state.
func (p ResumePayload) Empty() bool {
	return len(p.Form) == 0 && p.Progress.CurrentStep == 0
}

// WorkType returns the work type selected in the payload's form state.
func (p ResumePayload) WorkType() (WorkType, bool) {
	return p.Form.SelectedWorkType()
}

// MergeSection sets one form section, replacing any previous value.
func (p *ResumePayload) MergeSection(name string, values any) {
	if p.Form == nil {
		p.Form = make(FormState)
	}
	p.Form[name] = values
}

// Encode serializes the payload to JSON.
func (p ResumePayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// ParseResumePayload decodes a serialized payload. A payload that decodes
// but carries nothing is reported as an error so callers treat it as absent.
func ParseResumePayload(data []byte) (ResumePayload, error) {
	var p ResumePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ResumePayload{}, fmt.Errorf("parse resume payload: %w", err)
	}
	if p.Empty() {
		return ResumePayload{}, fmt.Errorf("resume payload is empty")
	}
	return p, nil
}
