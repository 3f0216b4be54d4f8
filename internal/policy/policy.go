// Package policy decides whether a campaign may send right now.
//
// Decide is a pure function of the campaign's window and cap, the current
// instant and today's sent count. It never touches storage.
package policy

import (
	"time"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
)

type Action int

const (
	SendNow Action = iota
	QueueForWindow
	QueueForTomorrow
)

func (a Action) String() string {
	switch a {
	case SendNow:
		return "SEND_NOW"
	case QueueForWindow:
		return "QUEUE_FOR_WINDOW"
	case QueueForTomorrow:
		return "QUEUE_FOR_TOMORROW"
	}
	return "UNKNOWN"
}

type Decision struct {
	Action Action
	// NextEligibleAt is now for SendNow, otherwise the next window start.
	NextEligibleAt time.Time
	// Remaining is how many sends are left in today's cap.
	Remaining int
}

// Decide evaluates window and cap for now, which must already be expressed
// in the campaign's location. The window must have passed Validate.
func Decide(w model.ServiceWindow, dailyCap int, now time.Time, sentToday int) Decision {
	remaining := dailyCap - sentToday
	if remaining < 0 {
		remaining = 0
	}

	if !InWindow(w, now) {
		return Decision{
			Action:         QueueForWindow,
			NextEligibleAt: NextWindowStart(w, now, false),
			Remaining:      remaining,
		}
	}

	if remaining == 0 {
		return Decision{
			Action:         QueueForTomorrow,
			NextEligibleAt: NextWindowStart(w, now, true),
			Remaining:      0,
		}
	}

	return Decision{Action: SendNow, NextEligibleAt: now, Remaining: remaining}
}

// InWindow reports whether now falls on an allowed weekday between start
// (inclusive) and end (exclusive).
func InWindow(w model.ServiceWindow, now time.Time) bool {
	if w.Excludes(now.Weekday()) {
		return false
	}
	minute := model.ClockTime(now.Hour()*60 + now.Minute())
	return minute >= w.Start && minute < w.End
}

// NextWindowStart returns the first window start strictly after now on an
// allowed weekday. With laterDay set, today's start is never returned even
// if it is still ahead.
func NextWindowStart(w model.ServiceWindow, now time.Time, laterDay bool) time.Time {
	loc := now.Location()
	y, m, d := now.Date()

	first := 0
	if laterDay {
		first = 1
	}
	// A validated window allows at least one weekday, so a week always suffices;
	// the extra iterations cover DST days where a start time does not exist.
	for offset := first; offset <= 14; offset++ {
		candidate := time.Date(y, m, d+offset, w.Start.Hour(), w.Start.Minute(), 0, 0, loc)
		if w.Excludes(candidate.Weekday()) {
			continue
		}
		if candidate.After(now) {
			return candidate
		}
	}
	return time.Date(y, m, d+15, w.Start.Hour(), w.Start.Minute(), 0, 0, loc)
}

// DayKey is the calendar day of now in the campaign location, used to scope
// daily counters.
func DayKey(now time.Time) string {
	return now.Format("2006-01-02")
}
