// internal/model/recipient.go
package model

import (
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
)

// Recipient is a phone identity. Rows are never deleted; the opt-out columns
// are the compliance record.
type Recipient struct {
	ID            int        `db:"id" json:"id"`
	Phone         string     `db:"phone" json:"phone"`
	FirstName     string     `db:"first_name" json:"first_name"`
	LastName      string     `db:"last_name" json:"last_name"`
	Address       string     `db:"address" json:"address"`
	SourceList    string     `db:"source_list" json:"source_list"`
	OptedOut      bool       `db:"opted_out" json:"opted_out"`
	OptedOutAt    *time.Time `db:"opted_out_at" json:"opted_out_at,omitempty"`
	OptOutSource  string     `db:"opt_out_source" json:"opt_out_source,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Name is the full display name used by the {name} token.
func (r *Recipient) Name() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// RecipientInput is what a list import or inbound message supplies.
type RecipientInput struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Address   string `json:"address"`
}

// NormalizePhone converts a phone number to E.164. region is the default
// country used for numbers without a leading +.
func NormalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", appErrors.NewValidationError("phone", "phone number cannot be empty")
	}
	if region == "" {
		region = "US"
	}

	parsed, err := phonenumbers.Parse(phone, region)
	if err != nil {
		return "", appErrors.NewValidationError("phone", "failed to parse phone number: "+err.Error())
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", appErrors.NewValidationError("phone", "invalid phone number "+phone)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
