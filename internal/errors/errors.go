// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCampaignNotFound is returned when a campaign id has no row
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ConfigurationError is raised when a campaign is activated with settings
// that can never produce a valid send decision.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// ValidationError rejects input before any Send or InboundEvent is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientDeliveryError covers network failures, 5xx and 429 answers.
// RetryAfter carries the provider's backoff hint when one was given.
type TransientDeliveryError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *TransientDeliveryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient delivery error: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return "transient delivery error: " + e.Reason
}

// AuthenticationError is returned for webhook requests with a bad or stale signature.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "webhook authentication failed: " + e.Reason
}

func NewAuthenticationError(reason string) error {
	return &AuthenticationError{Reason: reason}
}

// UnmatchedEventError marks a delivery status that references no known Send.
type UnmatchedEventError struct {
	ProviderMessageID string
}

func (e *UnmatchedEventError) Error() string {
	return fmt.Sprintf("no send matches provider message id %q", e.ProviderMessageID)
}

// ErrInvalidTransition is returned when a campaign lifecycle change is not allowed.
type ErrInvalidTransition struct {
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("campaign cannot move from %s to %s", e.From, e.To)
}

var (
	// ErrDuplicateEvent is not a failure: the event was already ingested.
	ErrDuplicateEvent = errors.New("event already ingested")
	// ErrCycleInProgress is returned when another worker holds the campaign lease.
	ErrCycleInProgress = errors.New("campaign cycle already in progress")
	// ErrLeaseLost is returned when a lease refresh finds another holder.
	ErrLeaseLost = errors.New("campaign lease lost")
)

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

func IsAuthentication(err error) bool {
	var a *AuthenticationError
	return errors.As(err, &a)
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}

func IsInvalidTransition(err error) bool {
	var it *ErrInvalidTransition
	return errors.As(err, &it)
}

// HTTPStatus maps a service error to the response code the API returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusUnprocessableEntity
	case IsAuthentication(err):
		return http.StatusUnauthorized
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConfiguration(err), IsInvalidTransition(err), errors.Is(err, ErrCycleInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
