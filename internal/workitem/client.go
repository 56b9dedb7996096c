// Package workitem wraps the work-item backend (the challenge API). It
// exposes the handful of operations the intake flow needs: looking up a
// user's unsubmitted draft, creating one, patching its intake-form metadata,
// and activating it on submission.
package workitem

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/taskfront/intake/internal/backend"
	"github.com/taskfront/intake/model"
)

// Operation ids the client depends on; verified against the service's
// OpenAPI spec at startup when one is configured.
var RequiredOperations = []string{
	"listChallenges",
	"getChallenge",
	"createChallenge",
	"updateChallenge",
}

// Metadata entry names used on the wire beside intake-form.
const (
	metadataKeyWorkType    = "work-type"
	metadataKeyCurrentStep = "current-step"
)

// Client calls the work-item backend.
type Client struct {
	http *backend.Client
}

// NewClient creates a work-item client on the shared backend plumbing.
func NewClient(http *backend.Client) *Client {
	return &Client{http: http}
}

// challenge is the wire representation of a work item.
type challenge struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      string                `json:"status"`
	CreatedBy   string                `json:"createdBy"`
	SelfService bool                  `json:"selfService"`
	Metadata    []model.MetadataEntry `json:"metadata"`
	StartDate   *time.Time            `json:"startDate,omitempty"`
	Created     time.Time             `json:"created"`
	Updated     time.Time             `json:"updated"`
}

// Discussion describes a work discussion forum created on activation.
type Discussion struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Provider string `json:"provider"`
}

// toDraft converts a wire challenge into the domain representation.
func toDraft(ch challenge) *model.WorkDraft {
	d := &model.WorkDraft{
		ID:          ch.ID,
		Name:        ch.Name,
		Status:      ch.Status,
		OwnerHandle: ch.CreatedBy,
		Metadata:    ch.Metadata,
		CreatedAt:   ch.Created,
		UpdatedAt:   ch.Updated,
	}
	if raw, ok := d.MetadataValue(metadataKeyWorkType); ok {
		if wt, err := model.ParseWorkType(raw); err == nil {
			d.WorkType = wt
		}
	}
	if raw, ok := d.MetadataValue(metadataKeyCurrentStep); ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			d.CurrentStep = n
		}
	}
	return d
}

// FindUnsubmittedDraft asks the backend whether a not-yet-submitted work item
// exists for the handle. When id is non-empty only an exact id match counts;
// otherwise the first result wins. Absence is (nil, nil); errors are returned
// for the caller's error sink but reconciliation treats them as absence too.
func (c *Client) FindUnsubmittedDraft(ctx context.Context, sess *model.Session, handle, id string) (*model.WorkDraft, error) {
	query := url.Values{}
	query.Set("createdBy", handle)
	query.Set("selfService", "true")
	query.Set("status", model.DraftStatusNew)
	if id != "" {
		query.Set("id", id)
	}

	var results []challenge
	if _, err := c.http.JSON(ctx, sess, http.MethodGet, "/challenges", query, nil, &results); err != nil {
		return nil, err
	}

	for _, ch := range results {
		if id != "" && ch.ID != id {
			continue
		}
		return toDraft(ch), nil
	}
	return nil, nil
}

// GetDraft fetches a single work item by id.
func (c *Client) GetDraft(ctx context.Context, sess *model.Session, id string) (*model.WorkDraft, error) {
	var ch challenge
	if _, err := c.http.JSON(ctx, sess, http.MethodGet, "/challenges/"+url.PathEscape(id), nil, nil, &ch); err != nil {
		return nil, err
	}
	return toDraft(ch), nil
}

// CreateDraft creates a new unsubmitted work item seeded with the given
// payload.
func (c *Client) CreateDraft(ctx context.Context, sess *model.Session, wt model.WorkType, payload model.ResumePayload) (*model.WorkDraft, error) {
	encoded, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"name":        string(wt) + " work item",
		"status":      model.DraftStatusNew,
		"selfService": true,
		"metadata": []model.MetadataEntry{
			{Name: metadataKeyWorkType, Value: string(wt)},
			{Name: model.MetadataKeyIntakeForm, Value: string(encoded)},
			{Name: metadataKeyCurrentStep, Value: strconv.Itoa(payload.Progress.CurrentStep)},
		},
	}

	var ch challenge
	if _, err := c.http.JSON(ctx, sess, http.MethodPost, "/challenges", nil, body, &ch); err != nil {
		return nil, err
	}
	return toDraft(ch), nil
}

// SaveIntakeForm patches the draft's intake-form metadata with the current
// payload. The returned draft reflects the server's post-update state so
// callers can refresh their in-memory view.
func (c *Client) SaveIntakeForm(ctx context.Context, sess *model.Session, id string, payload model.ResumePayload) (*model.WorkDraft, error) {
	encoded, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	metadata := []model.MetadataEntry{
		{Name: model.MetadataKeyIntakeForm, Value: string(encoded)},
		{Name: metadataKeyCurrentStep, Value: strconv.Itoa(payload.Progress.CurrentStep)},
	}
	if wt, ok := payload.WorkType(); ok {
		metadata = append(metadata, model.MetadataEntry{
			Name: metadataKeyWorkType, Value: string(wt),
		})
	}

	body := map[string]any{"metadata": metadata}

	var ch challenge
	if _, err := c.http.JSON(ctx, sess, http.MethodPatch, "/challenges/"+url.PathEscape(id), nil, body, &ch); err != nil {
		return nil, err
	}
	return toDraft(ch), nil
}

// Activate submits the draft: status flips out of New, the start date is
// recorded, and discussion forums are provisioned.
func (c *Client) Activate(ctx context.Context, sess *model.Session, id string, startDate time.Time, discussions []Discussion) (*model.WorkDraft, error) {
	body := map[string]any{
		"status":    model.DraftStatusActive,
		"startDate": startDate.UTC().Format(time.RFC3339),
	}
	if len(discussions) > 0 {
		body["discussions"] = discussions
	}

	var ch challenge
	if _, err := c.http.JSON(ctx, sess, http.MethodPatch, "/challenges/"+url.PathEscape(id), nil, body, &ch); err != nil {
		return nil, err
	}
	slog.Info("work item activated", "id", id)
	return toDraft(ch), nil
}
