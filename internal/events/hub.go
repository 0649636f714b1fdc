// Package events fans out history entries to live subscribers as they are
// appended. The hub is best-effort: durable truth lives in the history
// table, and a slow subscriber loses events rather than stalling execution.
package events

import (
	"context"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Event is one live execution event, mirroring a history entry.
type Event struct {
	InstanceID string `json:"instance_id"`
	FromNode   string `json:"from_node,omitempty"`
	ToNode     string `json:"to_node,omitempty"`
	Action     string `json:"action"`
	Actor      string `json:"actor,omitempty"`
	Detail     any    `json:"detail,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
}

// FromHistory converts a history entry into its live event form.
func FromHistory(entry *schema.HistoryEntry) Event {
	e := Event{
		InstanceID: entry.InstanceID,
		FromNode:   entry.FromNode,
		ToNode:     entry.ToNode,
		Action:     entry.Action,
		Actor:      entry.Actor,
		Sequence:   entry.Sequence,
	}
	if len(entry.Detail) > 0 {
		e.Detail = entry.Detail
	}
	return e
}

// Filter specifies which events a subscriber wants. Since is a sequence
// cutoff: only entries after it are delivered, so a client that already
// read history up to sequence N can stream from there without duplicates.
type Filter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Since      int64    `json:"since,omitempty"`
}

// matches reports whether the event passes the filter.
func (f Filter) matches(e Event) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	if f.Since > 0 && e.Sequence <= f.Since {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}

// Hub provides pub/sub for live execution events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
