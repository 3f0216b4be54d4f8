package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

// DefaultOptOutKeywords are the carrier-standard stop phrases. Matching is
// case-insensitive and ignores surrounding whitespace and punctuation.
var DefaultOptOutKeywords = []string{
	"STOP",
	"STOPALL",
	"STOP ALL",
	"UNSUBSCRIBE",
	"CANCEL",
	"END",
	"QUIT",
	"OPT OUT",
	"OPTOUT",
	"REVOKE",
}

// ConfirmationText is the one message allowed after an opt-out.
const ConfirmationText = "You have been unsubscribed and will receive no further messages."

// Opt-out sources recorded on the recipient.
const (
	OptOutSourceKeyword  = "keyword"
	OptOutSourceProvider = "provider"
	OptOutSourceOperator = "operator"
)

// KeywordMatcher checks whole inbound messages against a phrase list.
type KeywordMatcher struct {
	phrases map[string]struct{}
}

func NewKeywordMatcher(phrases []string) KeywordMatcher {
	m := KeywordMatcher{phrases: make(map[string]struct{}, len(phrases))}
	for _, p := range phrases {
		m.phrases[normalizeKeyword(p)] = struct{}{}
	}
	return m
}

func (m KeywordMatcher) Match(text string) bool {
	_, ok := m.phrases[normalizeKeyword(text)]
	return ok
}

// normalizeKeyword upper-cases, trims punctuation at both ends and collapses
// inner whitespace, so "  stop! " and "Opt   out" match.
func normalizeKeyword(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// OptOutResult describes what handling one opt-out did.
type OptOutResult struct {
	RecipientID  int
	Registered   bool
	Cancelled    int64
	Confirmation *model.Send
}

// OptOutRegistry is the authoritative record of phones barred from contact.
type OptOutRegistry struct {
	Recipients repository.RecipientRepositoryInterface
	Sends      repository.SendRepositoryInterface
	Matcher    KeywordMatcher
	Region     string
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

func NewOptOutRegistry(
	recipients repository.RecipientRepositoryInterface,
	sends repository.SendRepositoryInterface,
	region string,
	m *metrics.Metrics,
	log *zap.Logger,
) *OptOutRegistry {
	return &OptOutRegistry{
		Recipients: recipients,
		Sends:      sends,
		Matcher:    NewKeywordMatcher(DefaultOptOutKeywords),
		Region:     region,
		Metrics:    m,
		Log:        log,
	}
}

// IsOptedOut always reads the store; it never caches.
func (o *OptOutRegistry) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	normalized, err := model.NormalizePhone(phone, o.Region)
	if err != nil {
		return false, err
	}
	return o.Recipients.IsOptedOut(ctx, normalized)
}

func (o *OptOutRegistry) IsOptOutKeyword(text string) bool {
	return o.Matcher.Match(text)
}

// Register marks the phone opted out. A second call is a no-op and returns
// false.
func (o *OptOutRegistry) Register(ctx context.Context, phone, source string, at time.Time) (bool, error) {
	normalized, err := model.NormalizePhone(phone, o.Region)
	if err != nil {
		return false, err
	}
	rc, err := o.Recipients.GetOrCreate(ctx, model.RecipientInput{Phone: normalized}, source)
	if err != nil {
		return false, fmt.Errorf("get recipient %s: %w", normalized, err)
	}
	res, err := o.optOut(ctx, rc, source, at, false)
	if err != nil {
		return false, err
	}
	return res.Registered, nil
}

// HandleKeyword processes an inbound stop keyword: registers the opt-out,
// cancels queued sends in every campaign and creates the confirmation send.
// A recipient gets at most one confirmation however often they send STOP.
func (o *OptOutRegistry) HandleKeyword(ctx context.Context, rc *model.Recipient, at time.Time) (*OptOutResult, error) {
	return o.optOut(ctx, rc, OptOutSourceKeyword, at, true)
}

// HandleProviderOptOut records an opt-out reported by the provider itself.
// The carrier has already confirmed it, so no confirmation is sent.
func (o *OptOutRegistry) HandleProviderOptOut(ctx context.Context, rc *model.Recipient, at time.Time) (*OptOutResult, error) {
	return o.optOut(ctx, rc, OptOutSourceProvider, at, false)
}

func (o *OptOutRegistry) optOut(ctx context.Context, rc *model.Recipient, source string, at time.Time, confirm bool) (*OptOutResult, error) {
	res := &OptOutResult{RecipientID: rc.ID}

	changed, err := o.Recipients.MarkOptedOut(ctx, rc.ID, source, at)
	if err != nil {
		return nil, fmt.Errorf("mark recipient %d opted out: %w", rc.ID, err)
	}
	res.Registered = changed

	// Cancel even on a repeat so a send queued in between is still caught.
	cancelled, err := o.Sends.CancelQueuedForRecipient(ctx, rc.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel queued sends for recipient %d: %w", rc.ID, err)
	}
	res.Cancelled = cancelled

	if changed {
		o.Metrics.OptOutsTotal.WithLabelValues(source).Inc()
		o.Log.Info("recipient opted out",
			zap.Int("recipient_id", rc.ID), zap.String("source", source), zap.Int64("cancelled_sends", cancelled))
	}

	// Not gated on changed: a retry after a failed insert must still create
	// it. At most one confirmation per recipient exists.
	if confirm {
		send := &model.Send{RecipientID: rc.ID, RenderedContent: ConfirmationText}
		created, err := o.Sends.CreateConfirmation(ctx, send)
		if err != nil {
			return nil, fmt.Errorf("create opt-out confirmation for recipient %d: %w", rc.ID, err)
		}
		if created {
			res.Confirmation = send
		}
	}
	return res, nil
}
