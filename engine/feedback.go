package engine

import (
	"context"
	"fmt"

	"github.com/flexrt/flexcore/hooks"
)

// FeedbackEntry is the normalized shape of one item in a node's "feedback"
// facet output (4.H.5): an operator or upstream capability's note against a
// specific facet/path, carrying whatever resolution state it currently has
// ("open", "resolved", "dismissed", ...). Key is stable across a node's
// successive outputs so resolution changes can be diffed; it defaults to ID
// when present, else a composite of facet+path+message.
type FeedbackEntry struct {
	Key        string
	ID         string
	Facet      string
	Path       string
	Message    string
	Note       string
	Resolution string
}

func normalizeFeedback(raw any) []FeedbackEntry {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]FeedbackEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := FeedbackEntry{
			ID:         stringField(m, "id"),
			Facet:      stringField(m, "facet"),
			Path:       stringField(m, "path"),
			Message:    stringField(m, "message"),
			Note:       stringField(m, "note"),
			Resolution: stringField(m, "resolution"),
		}
		e.Key = feedbackKey(e)
		out = append(out, e)
	}
	return out
}

func stringField(m map[string]any, name string) string {
	s, _ := m[name].(string)
	return s
}

func feedbackKey(e FeedbackEntry) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s|%s|%s", e.Facet, e.Path, e.Message)
}

// diffFeedback compares the previous and current normalized feedback lists
// and emits a feedback_resolution event for every entry whose resolution
// changed, matched by stable key (4.H.5). It returns the current list,
// which becomes "previous" for the next node that produces feedback.
func (a *attempt) diffFeedback(ctx context.Context, current []FeedbackEntry) []FeedbackEntry {
	previousByKey := make(map[string]FeedbackEntry, len(a.previousFeedback))
	for _, e := range a.previousFeedback {
		previousByKey[e.Key] = e
	}
	for _, cur := range current {
		prev, existed := previousByKey[cur.Key]
		if existed && prev.Resolution == cur.Resolution {
			continue
		}
		previousResolution := ""
		if existed {
			previousResolution = prev.Resolution
		}
		a.coord.publish(ctx, hooks.NewFeedbackResolutionEvent(
			a.runID, cur.Key, cur.Facet, cur.Path, cur.Message, cur.Note,
			previousResolution, cur.Resolution, a.coord.deps.Now(),
		))
	}
	a.previousFeedback = current
	return current
}
