package task

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing artifacts.
type SortOrder int

const (
	// SortByUpdatedDesc orders artifacts by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders artifacts by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how artifacts are selected when querying the store.
// Timestamps are unix milliseconds.
type ListOptions struct {
	Limit      int
	Offset     int
	States     []State
	AgentID    string
	ServiceID  string
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
	Query      string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.States != nil {
		opts.States = normalizeStates(opts.States)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.ServiceID = strings.TrimSpace(opts.ServiceID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of artifacts returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching artifacts before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStates filters artifacts by the provided states.
func WithStates(states ...State) ListOption {
	return func(opts *ListOptions) {
		opts.States = append(opts.States[:0], states...)
	}
}

// WithAgent filters artifacts by agent id.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = agentID
	}
}

// WithService filters artifacts by service id.
func WithService(serviceID string) ListOption {
	return func(opts *ListOptions) {
		opts.ServiceID = serviceID
	}
}

// WithUpdatedSince filters artifacts updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.UnixMilli()
	}
}

// WithUpdatedUntil filters artifacts updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.UnixMilli()
	}
}

// WithSortOrder changes the returned order of artifacts.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters artifacts by substring match on id, tool name and error message.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStates(input []State) []State {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[State]struct{}, len(input))
	result := make([]State, 0, len(input))
	for _, state := range input {
		if !IsValidState(state) {
			continue
		}
		if _, ok := seen[state]; ok {
			continue
		}
		seen[state] = struct{}{}
		result = append(result, state)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
