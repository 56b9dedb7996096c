package model

import (
	"fmt"
	"time"
)

// WorkType identifies which intake wizard a draft belongs to. Each work type
// has its own ordered step sequence (see internal/steproute).
type WorkType string

// Supported work types.
const (
	WorkTypeWebsiteDesign       WorkType = "website-design"
	WorkTypeWebsiteDesignLegacy WorkType = "website-design-legacy"
	WorkTypeDataExploration     WorkType = "data-exploration"
	WorkTypeFindData            WorkType = "find-data"
	WorkTypeDataAdvisory        WorkType = "data-advisory"
	WorkTypeBugHunt             WorkType = "bug-hunt"
)

// AllWorkTypes lists every supported work type in display order.
var AllWorkTypes = []WorkType{
	WorkTypeWebsiteDesign,
	WorkTypeWebsiteDesignLegacy,
	WorkTypeDataExploration,
	WorkTypeFindData,
	WorkTypeDataAdvisory,
	WorkTypeBugHunt,
}

// ParseWorkType validates a raw work type string.
func ParseWorkType(s string) (WorkType, error) {
	for _, wt := range AllWorkTypes {
		if string(wt) == s {
			return wt, nil
		}
	}
	return "", fmt.Errorf("unknown work type %q", s)
}

// Work draft status constants. The backend tracks a draft as "New" until it
// is activated; everything past activation is read-only for the intake flow.
const (
	DraftStatusNew       = "New"
	DraftStatusDraft     = "Draft"
	DraftStatusActive    = "Active"
	DraftStatusCompleted = "Completed"
	DraftStatusCancelled = "Cancelled"
)

// MetadataKeyIntakeForm is the name of the draft metadata entry carrying the
// serialized {form, progress} resume payload.
const MetadataKeyIntakeForm = "intake-form"

// MetadataEntry is a named opaque value attached to a work draft by the
// backend. Values are strings; structured entries are JSON-encoded.
type MetadataEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WorkDraft represents a single in-progress (not yet submitted) unit of work
// intake. A draft exists remotely once created via the work-item backend;
// before that it may exist only as a session-cached snapshot.
type WorkDraft struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	WorkType    WorkType        `json:"work_type"`
	Status      string          `json:"status"`
	CurrentStep int             `json:"current_step"`
	OwnerHandle string          `json:"owner_handle,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Metadata    []MetadataEntry `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at,omitzero"`
}

// MetadataValue returns the value of the named metadata entry.
func (d *WorkDraft) MetadataValue(name string) (string, bool) {
	for _, m := range d.Metadata {
		if m.Name == name {
			return m.Value, true
		}
	}
	return "", false
}

// Open reports whether the draft is still editable through the intake flow.
func (d *WorkDraft) Open() bool {
	return d.Status == DraftStatusNew || d.Status == DraftStatusDraft
}
