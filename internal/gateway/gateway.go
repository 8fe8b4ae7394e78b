// Package gateway defines the delivery port of the campaign engine.
//
// A Gateway delivers one message to one chat and reports a typed outcome
// instead of a bare error, so the dispatch engine can apply retry policy
// explicitly rather than guessing from error strings.
package gateway

import (
	"context"
	"time"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// OutcomeSuccess: the provider accepted the message.
	OutcomeSuccess Outcome = iota
	// OutcomePermanent: retrying can never succeed (blocked, chat gone).
	OutcomePermanent
	// OutcomeTransient: worth retrying after a delay (rate limit, timeout).
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanent:
		return "permanent"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// MessageOptions carries provider-specific formatting. The engine treats it
// as opaque apart from HasMedia(), which drives cost estimation.
type MessageOptions struct {
	ParseMode      string
	DisablePreview bool
	PhotoURL       string
}

func (o *MessageOptions) HasMedia() bool {
	return o != nil && o.PhotoURL != ""
}

// Result is the outcome of one delivery attempt.
//
// RetryAfter is an optional hint for transient results (e.g. the provider's
// flood-control delay); zero means "use the engine's backoff schedule".
type Result struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration
}

func Success() Result                { return Result{Outcome: OutcomeSuccess} }
func Permanent(reason string) Result { return Result{Outcome: OutcomePermanent, Reason: reason} }
func Transient(reason string) Result { return Result{Outcome: OutcomeTransient, Reason: reason} }
func TransientAfter(reason string, after time.Duration) Result {
	if after < 0 {
		after = 0
	}
	return Result{Outcome: OutcomeTransient, Reason: reason, RetryAfter: after}
}

// Gateway delivers a message to a single chat.
type Gateway interface {
	Deliver(ctx context.Context, chatID int64, body string, opt *MessageOptions) Result
}
