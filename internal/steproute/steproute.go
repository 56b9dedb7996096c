// Package steproute maps (work type, step index) pairs to navigable SPA
// routes. One ordered route table exists per work type; lookups degrade to
// "no route" for invalid indices rather than failing.
package steproute

import (
	"strings"

	"github.com/taskfront/intake/model"
)

// entryRoute is the work-type selector, the safe landing point for every
// recovery path.
const entryRoute = "/self-service/wizard"

// reviewStep names the step every login round trip resumes at.
const reviewStep = "review"

// stepTables holds the ordered step sequence per work type. Order matters:
// Progress.CurrentStep indexes into these slices.
var stepTables = map[model.WorkType][]string{
	model.WorkTypeWebsiteDesign: {
		"basic-info", "website-purpose", "page-details", "branding",
		reviewStep, "payment", "thank-you",
	},
	model.WorkTypeWebsiteDesignLegacy: {
		"basic-info", "website-purpose", "page-details", "branding",
		reviewStep, "payment", "thank-you",
	},
	model.WorkTypeDataExploration: {
		"basic-info", reviewStep, "payment", "thank-you",
	},
	model.WorkTypeFindData: {
		"basic-info", reviewStep, "payment", "thank-you",
	},
	model.WorkTypeDataAdvisory: {
		"basic-info", reviewStep, "payment", "thank-you",
	},
	model.WorkTypeBugHunt: {
		"basic-info", reviewStep, "payment", "thank-you",
	},
}

// basePath returns the wizard base path for a work type.
func basePath(wt model.WorkType) string {
	return "/self-service/work/new/" + string(wt)
}

// EntryRoute returns the work-type selector route.
func EntryRoute() string {
	return entryRoute
}

// Steps returns the ordered step names for a work type, or nil for an
// unknown type.
func Steps(wt model.WorkType) []string {
	return stepTables[wt]
}

// RouteForStep returns the route for the given step index. The second return
// is false for an unknown work type or an out-of-range index; callers must
// treat that as a no-op.
func RouteForStep(wt model.WorkType, step int) (string, bool) {
	steps, ok := stepTables[wt]
	if !ok || step < 0 || step >= len(steps) {
		return "", false
	}
	return basePath(wt) + "/" + steps[step], true
}

// ReviewRoute returns the review-step route for a work type. The login round
// trip always resumes here: by definition the user had already reached the
// final "complete & pay" action before being sent to log in.
func ReviewRoute(wt model.WorkType) (string, bool) {
	steps, ok := stepTables[wt]
	if !ok {
		return "", false
	}
	for i, s := range steps {
		if s == reviewStep {
			return basePath(wt) + "/" + steps[i], true
		}
	}
	return "", false
}

// ReviewStepIndex returns the zero-based index of the review step for a work
// type.
func ReviewStepIndex(wt model.WorkType) (int, bool) {
	for i, s := range stepTables[wt] {
		if s == reviewStep {
			return i, true
		}
	}
	return 0, false
}

// IsSelfManagedRoute reports whether the route belongs to a flow with its own
// independent save/resume handling. Bug hunt manages its own state; the
// generic snapshot replay must not touch it.
func IsSelfManagedRoute(route string) bool {
	return strings.HasPrefix(route, basePath(model.WorkTypeBugHunt))
}

// WorkDetailOrDraftRoute computes where to send a user who clicked through to
// an existing work item. Submitted items go to their detail view; open drafts
// with a recorded step resume there with the draft id appended; anything else
// lands on the wizard entry.
func WorkDetailOrDraftRoute(d model.WorkDraft) string {
	if !d.Open() {
		return "/self-service/work-items/" + d.ID
	}
	if route, ok := RouteForStep(d.WorkType, d.CurrentStep); ok && d.CurrentStep > 0 {
		return route + "?workId=" + d.ID
	}
	return entryRoute
}
