package activity

import "AgentPay-Chain/internal/payment"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions controls which records are returned by the list queries.
type ListOptions struct {
	Limit      int
	Offset     int
	AgentID    uint64
	Statuses   []payment.Status
	Success    *bool
	Unresolved bool
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching records.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithAgent filters by agent id.
func WithAgent(agentID uint64) ListOption {
	return func(opts *ListOptions) { opts.AgentID = agentID }
}

// WithStatuses filters payments by status. Ignored for executions.
func WithStatuses(statuses ...payment.Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithSuccess filters executions by outcome. Ignored for payments.
func WithSuccess(success bool) ListOption {
	return func(opts *ListOptions) {
		opts.Success = new(bool)
		*opts.Success = success
	}
}

// WithUnresolved keeps only payments an operator has not resolved yet.
func WithUnresolved() ListOption {
	return func(opts *ListOptions) { opts.Unresolved = true }
}

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

func normalizeStatuses(input []payment.Status) []payment.Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[payment.Status]struct{}, len(input))
	result := make([]payment.Status, 0, len(input))
	for _, status := range input {
		if !status.Valid() {
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

func (opts ListOptions) matchPayment(rec PaymentRecord) bool {
	if opts.AgentID != 0 && rec.AgentID != opts.AgentID {
		return false
	}
	if opts.Unresolved && rec.Resolved() {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if rec.Status == status {
			return true
		}
	}
	return false
}

func (opts ListOptions) matchExecution(rec ExecutionRecord) bool {
	if opts.AgentID != 0 && rec.AgentID != opts.AgentID {
		return false
	}
	if opts.Success != nil && (!rec.Completed || rec.Success != *opts.Success) {
		return false
	}
	return true
}
