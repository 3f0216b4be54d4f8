// Package gateway adapts the SMS provider: outbound sends and inbound
// webhook signature verification.
package gateway

import (
	"context"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
)

// Outcome tags the result of one provider send call.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Result is the tagged outcome of a send. MessageID is set for OutcomeSent,
// Reason otherwise. A sent result without a MessageID carries the Reason it
// is missing. RetryAfter carries provider backoff guidance (429).
type Result struct {
	Outcome    Outcome
	MessageID  string
	Reason     string
	RetryAfter time.Duration
}

func Sent(messageID string) Result {
	return Result{Outcome: OutcomeSent, MessageID: messageID}
}

func Transient(reason string, retryAfter time.Duration) Result {
	return Result{Outcome: OutcomeTransient, Reason: reason, RetryAfter: retryAfter}
}

func Permanent(reason string) Result {
	return Result{Outcome: OutcomePermanent, Reason: reason}
}

// Err returns the result as an error for logging, nil when sent.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeSent:
		return nil
	case OutcomeTransient:
		return &appErrors.TransientDeliveryError{Reason: r.Reason, RetryAfter: r.RetryAfter}
	}
	return fmt.Errorf("permanent delivery failure: %s", r.Reason)
}

// Gateway sends one SMS. Implementations never return Go errors for
// provider failures; they classify them into a Result.
type Gateway interface {
	Send(ctx context.Context, from, to, body string) Result
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, from, to, body string) Result

func (f GatewayFunc) Send(ctx context.Context, from, to, body string) Result {
	return f(ctx, from, to, body)
}
