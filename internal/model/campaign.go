// internal/model/campaign.go
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// campaignTransitions lists the allowed lifecycle moves.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:  {CampaignActive},
	CampaignActive: {CampaignPaused, CampaignCompleted},
	CampaignPaused: {CampaignActive},
}

func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID            int            `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Channel       string         `db:"channel" json:"channel"`
	Status        CampaignStatus `db:"status" json:"status"`
	TemplateA     string         `db:"template_a" json:"template_a"`
	TemplateB     string         `db:"template_b" json:"template_b"`
	DailyCap      int            `db:"daily_cap" json:"daily_cap"`
	Timezone      string         `db:"timezone" json:"timezone"`
	Window        ServiceWindow  `json:"window"`
	NextRunAt     *time.Time     `db:"next_run_at" json:"next_run_at,omitempty"`
	LockToken     string         `db:"lock_token" json:"-"`
	LockExpiresAt *time.Time     `db:"lock_expires_at" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
	CompletedAt   *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// Template returns the body configured for a variant.
func (c *Campaign) Template(v Variant) string {
	if v == VariantB {
		return c.TemplateB
	}
	return c.TemplateA
}

// Location resolves the campaign timezone, UTC when unset.
func (c *Campaign) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, appErrors.NewConfigurationError("timezone", err.Error())
	}
	return loc, nil
}

// ValidateForActivation checks everything the rate/window policy relies on.
func (c *Campaign) ValidateForActivation() error {
	if err := c.ValidateTemplates(); err != nil {
		return err
	}
	if c.DailyCap <= 0 {
		return appErrors.NewConfigurationError("daily_cap", "must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return c.Window.Validate()
}

func (c *Campaign) ValidateTemplates() error {
	if isBlank(c.TemplateA) {
		return appErrors.NewValidationError("template_a", "template cannot be empty")
	}
	if isBlank(c.TemplateB) {
		return appErrors.NewValidationError("template_b", "template cannot be empty")
	}
	return nil
}

// ClockTime is a local time of day in minutes after midnight. 24:00 is a
// valid window end.
type ClockTime int

const minutesPerDay = 24 * 60

func NewClockTime(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

func ParseClockTime(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return NewClockTime(h, m), nil
}

func (t ClockTime) Hour() int   { return int(t) / 60 }
func (t ClockTime) Minute() int { return int(t) % 60 }

func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ServiceWindow is the local time-of-day range in which sends are allowed.
// Start is inclusive, End exclusive.
type ServiceWindow struct {
	Start            ClockTime      `json:"start"`
	End              ClockTime      `json:"end"`
	ExcludedWeekdays []time.Weekday `json:"excluded_weekdays,omitempty"`
}

// AlwaysOpen is a window covering every minute of every day.
func AlwaysOpen() ServiceWindow {
	return ServiceWindow{Start: 0, End: minutesPerDay}
}

func (w ServiceWindow) Validate() error {
	if w.Start < 0 || w.End > minutesPerDay {
		return appErrors.NewConfigurationError("window", "times must be within 00:00-24:00")
	}
	if w.Start >= w.End {
		return appErrors.NewConfigurationError("window", fmt.Sprintf("start %s must be before end %s", w.Start, w.End))
	}
	seen := map[time.Weekday]bool{}
	for _, d := range w.ExcludedWeekdays {
		if d < time.Sunday || d > time.Saturday {
			return appErrors.NewConfigurationError("window", fmt.Sprintf("unknown weekday %d", d))
		}
		seen[d] = true
	}
	if len(seen) == 7 {
		return appErrors.NewConfigurationError("window", "every weekday is excluded")
	}
	return nil
}

func (w ServiceWindow) Excludes(d time.Weekday) bool {
	for _, ex := range w.ExcludedWeekdays {
		if ex == d {
			return true
		}
	}
	return false
}

// WeekdayInts is the storage form of the excluded weekday set.
func (w ServiceWindow) WeekdayInts() []int64 {
	out := make([]int64, 0, len(w.ExcludedWeekdays))
	for _, d := range w.ExcludedWeekdays {
		out = append(out, int64(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func WeekdaysFromInts(in []int64) []time.Weekday {
	out := make([]time.Weekday, 0, len(in))
	for _, d := range in {
		out = append(out, time.Weekday(d))
	}
	return out
}
