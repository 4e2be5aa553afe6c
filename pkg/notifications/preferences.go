package notifications

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// QuietHours is a daily wall-clock window, in the recipient's timezone,
// during which low and normal priority notifications are suppressed.
// Start is inclusive, End exclusive. Start after End crosses midnight.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`              // HH:MM
	End      string `json:"end"`                // HH:MM
	Timezone string `json:"timezone,omitempty"` // IANA name, empty means UTC
}

// Preferences is the complete per-recipient preference record.
type Preferences struct {
	RecipientID  string         `json:"recipient_id"`
	InAppEnabled bool           `json:"in_app_enabled"`
	Groups       map[Group]bool `json:"groups"`
	QuietHours   QuietHours     `json:"quiet_hours"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DefaultPreferences returns the record used when a recipient has none:
// everything enabled and quiet hours off.
func DefaultPreferences(recipientID string) Preferences {
	groups := make(map[Group]bool, len(Groups()))
	for _, g := range Groups() {
		groups[g] = true
	}
	return Preferences{
		RecipientID:  recipientID,
		InAppEnabled: true,
		Groups:       groups,
		QuietHours: QuietHours{
			Enabled:  false,
			Start:    "22:00",
			End:      "08:00",
			Timezone: "UTC",
		},
	}
}

// Clone returns a deep copy.
func (p Preferences) Clone() Preferences {
	p.Groups = maps.Clone(p.Groups)
	return p
}

// GroupEnabled reports the toggle of g. Groups missing from the record
// count as enabled.
func (p Preferences) GroupEnabled(g Group) bool {
	enabled, ok := p.Groups[g]
	return !ok || enabled
}

// Validate checks time formats, the timezone and group names.
func (p Preferences) Validate() error {
	var errs []error
	if p.RecipientID == "" {
		errs = append(errs, errors.New("recipient id is required"))
	}
	for g := range p.Groups {
		if !g.Valid() {
			errs = append(errs, fmt.Errorf("unknown group %q", g))
		}
	}
	if _, err := parseClock(p.QuietHours.Start); err != nil {
		errs = append(errs, fmt.Errorf("quiet hours start: %w", err))
	}
	if _, err := parseClock(p.QuietHours.End); err != nil {
		errs = append(errs, fmt.Errorf("quiet hours end: %w", err))
	}
	if _, err := loadLocation(p.QuietHours.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("quiet hours timezone: %w", err))
	}
	return errors.Join(errs...)
}

// PreferencesUpdate is a partial update. Nil fields are left unchanged;
// Groups entries replace only the listed groups.
type PreferencesUpdate struct {
	InAppEnabled *bool             `json:"in_app_enabled,omitempty"`
	Groups       map[Group]bool    `json:"groups,omitempty"`
	QuietHours   *QuietHoursUpdate `json:"quiet_hours,omitempty"`
}

type QuietHoursUpdate struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Start    *string `json:"start,omitempty"`
	End      *string `json:"end,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
}

// Apply returns p with the update applied. p is not modified.
func (u PreferencesUpdate) Apply(p Preferences) Preferences {
	next := p.Clone()
	if next.Groups == nil {
		next.Groups = make(map[Group]bool, len(u.Groups))
	}
	if u.InAppEnabled != nil {
		next.InAppEnabled = *u.InAppEnabled
	}
	maps.Copy(next.Groups, u.Groups)
	if q := u.QuietHours; q != nil {
		if q.Enabled != nil {
			next.QuietHours.Enabled = *q.Enabled
		}
		if q.Start != nil {
			next.QuietHours.Start = *q.Start
		}
		if q.End != nil {
			next.QuietHours.End = *q.End
		}
		if q.Timezone != nil {
			next.QuietHours.Timezone = *q.Timezone
		}
	}
	return next
}

// IsCategoryEnabled reports whether c may be delivered under prefs. The
// in-app toggle overrides every group toggle.
func IsCategoryEnabled(c Category, prefs Preferences) bool {
	if !prefs.InAppEnabled {
		return false
	}
	g, ok := CategoryGroups[c]
	if !ok {
		return false
	}
	return prefs.GroupEnabled(g)
}

// IsQuietHours reports whether now falls inside the recipient's quiet hours,
// evaluated in the recipient's timezone. A window whose start equals its end
// is empty. Malformed times and unknown zones never suppress.
func IsQuietHours(prefs Preferences, now time.Time) bool {
	q := prefs.QuietHours
	if !q.Enabled {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}

	loc, err := loadLocation(q.Timezone)
	if err != nil {
		return false
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start <= end {
		return start <= minute && minute < end
	}
	return minute >= start || minute < end
}

// Suppressible reports whether quiet hours apply to p.
func Suppressible(p Priority) bool {
	return p == PriorityLow || p == PriorityNormal
}

// parseClock converts "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// locations caches resolved zones by name, failures included.
var locations sync.Map // map[string]locationEntry

type locationEntry struct {
	loc *time.Location
	err error
}

// loadLocation resolves an IANA zone name. Empty means UTC.
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	if e, ok := locations.Load(name); ok {
		entry := e.(locationEntry)
		return entry.loc, entry.err
	}
	loc, err := time.LoadLocation(name)
	locations.Store(name, locationEntry{loc: loc, err: err})
	return loc, err
}
