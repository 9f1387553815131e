// Package merge applies partial guest profile updates from sources of
// different trust.
//
// Each trust level owns a subset of the profile. Fields outside that subset
// are dropped without error, so a low-trust source can never overwrite what
// a higher-trust source established. Set-valued fields are merged as a
// case-insensitive union, which makes merges commutative and idempotent.
package merge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Trust is the level of confidence in the source of an update.
type Trust int

const (
	// TrustCheckin covers facts inferred from a conversation.
	TrustCheckin Trust = iota + 1
	// TrustRetreat covers facts recorded for the current stay.
	TrustRetreat
	// TrustAuthoritative is the master guest record itself.
	TrustAuthoritative
)

func (t Trust) String() string {
	switch t {
	case TrustCheckin:
		return "checkin"
	case TrustRetreat:
		return "retreat"
	case TrustAuthoritative:
		return "authoritative"
	}
	return fmt.Sprintf("trust(%d)", int(t))
}

// TrustForSource maps a guest.updated source to its trust level.
func TrustForSource(source string) (Trust, error) {
	switch source {
	case api.SourceAIKnowledge:
		return TrustCheckin, nil
	case api.SourceCurrentRetreat:
		return TrustRetreat, nil
	case api.SourceMasterGuest:
		return TrustAuthoritative, nil
	}
	return 0, api.NewValidationError(api.FieldIssue{Field: "source", Message: "unknown profile source " + source})
}

// Field names reported in FieldsChanged.
const (
	FieldFirstName           = "first_name"
	FieldLastName            = "last_name"
	FieldPhone               = "phone"
	FieldDietaryRestrictions = "dietary_restrictions"
	FieldAllergies           = "allergies"
	FieldRoomPreferences     = "room_preferences"
	FieldWellnessGoals       = "wellness_goals"
	FieldPastVisits          = "past_visits"
	FieldTotalCheckins       = "total_checkins"
	FieldLastCheckinDate     = "last_checkin_date"
	FieldNotes               = "notes"
)

// FieldsChanged lists the profile fields an update actually modified.
type FieldsChanged []string

// Has reports whether field was changed.
func (f FieldsChanged) Has(field string) bool { return slices.Contains(f, field) }

// Merger applies updates to guest profiles held in a records.Store.
type Merger struct {
	store records.Store
	now   func() time.Time
}

// New returns a Merger over store.
func New(store records.Store) *Merger {
	return &Merger{store: store, now: time.Now}
}

// WithClock returns a copy of m that dates note lines with now.
func (m *Merger) WithClock(now func() time.Time) *Merger {
	cp := *m
	cp.now = now
	return &cp
}

// MergeUpdate applies u to the profile of email. It returns
// records.ErrNotFound when no profile exists. Nothing is written when no
// field changes.
func (m *Merger) MergeUpdate(ctx context.Context, email string, u api.ProfileUpdate, trust Trust) (FieldsChanged, error) {
	guest, err := m.store.FindGuest(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("find guest: %w", err)
	}
	changed := Apply(guest, u, trust, m.now())
	if len(changed) == 0 {
		return changed, nil
	}
	if err := m.store.UpdateGuest(ctx, guest); err != nil {
		return nil, fmt.Errorf("update guest: %w", err)
	}
	return changed, nil
}

// MergeOrCreate is MergeUpdate that first provisions a minimal profile from
// email and fullName when none exists. created reports whether it did.
func (m *Merger) MergeOrCreate(ctx context.Context, email, fullName string, u api.ProfileUpdate, trust Trust) (changed FieldsChanged, created bool, err error) {
	_, err = m.store.FindGuest(ctx, email)
	switch {
	case err == nil:
	case errors.Is(err, records.ErrNotFound):
		first, last := SplitName(fullName)
		g := &records.Guest{Email: email, FirstName: first, LastName: last}
		err = m.store.CreateGuest(ctx, g)
		if err != nil && !errors.Is(err, records.ErrExists) {
			return nil, false, fmt.Errorf("create guest: %w", err)
		}
		// Lost a creation race to another source; merge into theirs.
		created = err == nil
	default:
		return nil, false, fmt.Errorf("find guest: %w", err)
	}

	changed, err = m.MergeUpdate(ctx, email, u, trust)
	return changed, created, err
}

// Apply merges u into g under trust and returns the fields that changed.
// now dates appended note lines.
func Apply(g *records.Guest, u api.ProfileUpdate, trust Trust, now time.Time) FieldsChanged {
	var changed FieldsChanged
	mark := func(field string, ok bool) {
		if ok {
			changed = append(changed, field)
		}
	}

	switch trust {
	case TrustCheckin:
		mark(FieldWellnessGoals, union(&g.WellnessGoals, u.WellnessGoals))
		mark(FieldLastCheckinDate, setString(&g.LastCheckinDate, u.LastCheckinDate))
		if u.IncrementCheckins > 0 {
			g.TotalCheckins += u.IncrementCheckins
			mark(FieldTotalCheckins, true)
		}
		mark(FieldNotes, appendNote(&g.Notes, u.Note, now))

	case TrustRetreat:
		mark(FieldDietaryRestrictions, union(&g.DietaryRestrictions, u.DietaryRestrictions))
		mark(FieldAllergies, union(&g.Allergies, u.Allergies))
		mark(FieldRoomPreferences, union(&g.RoomPreferences, u.RoomPreferences))
		if u.PastVisits != nil {
			mark(FieldPastVisits, setInt(&g.PastVisits, *u.PastVisits))
		}
		mark(FieldNotes, appendNote(&g.Notes, u.Note, now))

	case TrustAuthoritative:
		if u.FirstName != nil {
			mark(FieldFirstName, setString(&g.FirstName, *u.FirstName))
		}
		if u.LastName != nil {
			mark(FieldLastName, setString(&g.LastName, *u.LastName))
		}
		if u.Phone != nil {
			mark(FieldPhone, setString(&g.Phone, *u.Phone))
		}
		mark(FieldDietaryRestrictions, replace(&g.DietaryRestrictions, u.DietaryRestrictions))
		mark(FieldAllergies, replace(&g.Allergies, u.Allergies))
		mark(FieldRoomPreferences, replace(&g.RoomPreferences, u.RoomPreferences))
		mark(FieldWellnessGoals, replace(&g.WellnessGoals, u.WellnessGoals))
		if u.PastVisits != nil {
			mark(FieldPastVisits, setInt(&g.PastVisits, *u.PastVisits))
		}
		if u.TotalCheckins != nil {
			mark(FieldTotalCheckins, setInt(&g.TotalCheckins, *u.TotalCheckins))
		} else if u.IncrementCheckins > 0 {
			g.TotalCheckins += u.IncrementCheckins
			mark(FieldTotalCheckins, true)
		}
		mark(FieldLastCheckinDate, setString(&g.LastCheckinDate, u.LastCheckinDate))
		if u.Notes != nil {
			mark(FieldNotes, setString(&g.Notes, *u.Notes))
		} else {
			mark(FieldNotes, appendNote(&g.Notes, u.Note, now))
		}
	}
	return changed
}

// SplitName splits a full name on the first space.
func SplitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	first, last, _ = strings.Cut(full, " ")
	return first, strings.TrimSpace(last)
}

// Union returns the case-insensitive deduplicated union of a and b. The
// first spelling seen wins and order is preserved.
func Union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			k := strings.ToLower(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func union(dst *[]string, in []string) bool {
	if len(in) == 0 {
		return false
	}
	merged := Union(*dst, in)
	if len(merged) == len(*dst) {
		return false
	}
	*dst = merged
	return true
}

func replace(dst *[]string, in []string) bool {
	if in == nil {
		return false
	}
	next := Union(nil, in)
	if slices.Equal(*dst, next) {
		return false
	}
	*dst = next
	return true
}

func setString(dst *string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || *dst == v {
		return false
	}
	*dst = v
	return true
}

func setInt(dst *int, v int) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}

func appendNote(dst *string, note string, now time.Time) bool {
	note = strings.TrimSpace(note)
	if note == "" {
		return false
	}
	line := "[" + now.UTC().Format(api.DateLayout) + "] " + note
	if *dst == "" {
		*dst = line
	} else {
		*dst += "\n" + line
	}
	return true
}
