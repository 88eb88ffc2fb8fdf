package graph

import "strings"

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByCreatedAsc orders tasks by CreatedAt ascending (oldest first).
	SortByCreatedAsc SortOrder = iota
	// SortByCreatedDesc orders tasks by CreatedAt descending (most recent first).
	SortByCreatedDesc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit           int
	Offset          int
	Statuses        []Status
	PhaseID         string
	CreatedBy       string
	IncludeArchived bool
	Order           SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	opts.PhaseID = strings.TrimSpace(opts.PhaseID)
	opts.CreatedBy = strings.TrimSpace(opts.CreatedBy)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithPhase filters tasks belonging to the given phase.
func WithPhase(phaseID string) ListOption {
	return func(opts *ListOptions) {
		opts.PhaseID = phaseID
	}
}

// WithCreatedBy filters tasks spawned by the given parent task.
func WithCreatedBy(taskID string) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedBy = taskID
	}
}

// WithArchived includes archived tasks in the result set.
func WithArchived() ListOption {
	return func(opts *ListOptions) {
		opts.IncludeArchived = true
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
