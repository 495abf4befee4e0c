// Package memory is an in-process store used for tests and single-instance
// development runs. It honours the same admission contract as the Postgres
// store: a per-VP lock around the admission section plus a range exclusion
// check on every write.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"vpcal-service/internal/booking"
	"vpcal-service/internal/busy"
	"vpcal-service/internal/delegation"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/workinghours"
)

type Store struct {
	defaultZone string

	mu       sync.RWMutex
	zones    map[string]string
	rules    map[string]workinghours.Rule
	meetings map[string]meeting.Meeting
	grants   map[grantKey]delegation.Grant
	conns    map[connKey]busy.Connection

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type grantKey struct{ delegate, vp string }

type connKey struct {
	user     string
	provider busy.Source
}

func New(defaultZone string) *Store {
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &Store{
		defaultZone: defaultZone,
		zones:       map[string]string{},
		rules:       map[string]workinghours.Rule{},
		meetings:    map[string]meeting.Meeting{},
		grants:      map[grantKey]delegation.Grant{},
		conns:       map[connKey]busy.Connection{},
		locks:       map[string]*sync.Mutex{},
	}
}

// SetTimeZone records the zone on a user's profile.
func (s *Store) SetTimeZone(ctx context.Context, userID, zoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[userID] = zoneID
	return nil
}

func (s *Store) zoneOf(userID string) string {
	if z, ok := s.zones[userID]; ok && z != "" {
		return z
	}
	return s.defaultZone
}

// Rule returns the saved rule, or the default when none has been saved. The
// default is not stored. The zone always comes from the user's profile.
func (s *Store) Rule(ctx context.Context, userID string) (workinghours.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[userID]
	if !ok {
		return workinghours.Default(userID, s.zoneOf(userID)), nil
	}
	r = cloneRule(r)
	r.TimeZone = s.zoneOf(userID)
	return r, nil
}

// SaveRule replaces the user's rule. Callers validate first.
func (s *Store) SaveRule(ctx context.Context, rule workinghours.Rule) (workinghours.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule = cloneRule(rule)
	now := time.Now().UTC()
	rule.UpdatedAt = &now
	if rule.TimeZone != "" {
		s.zones[rule.OwnerID] = rule.TimeZone
	}
	rule.TimeZone = s.zoneOf(rule.OwnerID)
	s.rules[rule.OwnerID] = rule
	return cloneRule(rule), nil
}

func cloneRule(r workinghours.Rule) workinghours.Rule {
	t := make(workinghours.Template, len(r.Template))
	for d, ws := range r.Template {
		t[d] = append([]workinghours.TimeWindow{}, ws...)
	}
	r.Template = t
	if r.UpdatedAt != nil {
		at := *r.UpdatedAt
		r.UpdatedAt = &at
	}
	return r
}

func (s *Store) ownerLock(vp string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[vp]
	if !ok {
		l = &sync.Mutex{}
		s.locks[vp] = l
	}
	return l
}

// Admit serialises admission sections per VP and rolls back the writes made
// by a failing section.
func (s *Store) Admit(ctx context.Context, vpOwner string, fn func(ctx context.Context, w booking.Writer) error) error {
	l := s.ownerLock(vpOwner)
	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	w := &writer{store: s, previous: map[string]meeting.Meeting{}}
	if err := fn(ctx, w); err != nil {
		s.mu.Lock()
		for id, m := range w.previous {
			s.meetings[id] = m
		}
		for _, id := range w.inserted {
			delete(s.meetings, id)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type writer struct {
	store    *Store
	inserted []string
	previous map[string]meeting.Meeting
}

func (w *writer) InsertMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return w.store.insert(m, &w.inserted)
}

func (w *writer) UpdateMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return w.store.update(m, w.previous)
}

// InsertMeeting outside an admission section still enforces the exclusion.
func (s *Store) InsertMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return s.insert(m, nil)
}

// overlapsLocked reports whether a blocking m would overlap another blocking
// meeting of the same VP. Callers hold s.mu.
func (s *Store) overlapsLocked(m meeting.Meeting) bool {
	if !m.Status.Blocking() {
		return false
	}
	for id, existing := range s.meetings {
		if id == m.ID || existing.VPOwner != m.VPOwner || !existing.Status.Blocking() {
			continue
		}
		if meeting.Overlaps(m.StartTime, m.EndTime, existing.StartTime, existing.EndTime) {
			return true
		}
	}
	return false
}

func (s *Store) insert(m meeting.Meeting, track *[]string) (meeting.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlapsLocked(m) {
		return meeting.Meeting{}, meeting.ErrOverlap
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.meetings[m.ID] = m
	if track != nil {
		*track = append(*track, m.ID)
	}
	return m, nil
}

// UpdateMeeting replaces the stored meeting with the same ID. The owner and
// creation fields are kept.
func (s *Store) UpdateMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return s.update(m, nil)
}

func (s *Store) update(m meeting.Meeting, previous map[string]meeting.Meeting) (meeting.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.meetings[m.ID]
	if !ok {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	m.VPOwner, m.BookedBy, m.CreatedAt = old.VPOwner, old.BookedBy, old.CreatedAt
	if s.overlapsLocked(m) {
		return meeting.Meeting{}, meeting.ErrOverlap
	}
	if previous != nil {
		if _, seen := previous[m.ID]; !seen {
			previous[m.ID] = old
		}
	}
	s.meetings[m.ID] = m
	return m, nil
}

func (s *Store) Meeting(ctx context.Context, id string) (meeting.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	return m, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status meeting.Status) (meeting.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	m.Status = status
	s.meetings[id] = m
	return m, nil
}

// BlockingMeetings returns PENDING/CONFIRMED meetings touching [from, to].
func (s *Store) BlockingMeetings(ctx context.Context, vpOwner string, from, to time.Time) ([]meeting.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []meeting.Meeting
	for _, m := range s.meetings {
		if m.VPOwner != vpOwner || !m.Status.Blocking() {
			continue
		}
		if m.StartTime.After(to) || m.EndTime.Before(from) {
			continue
		}
		out = append(out, m)
	}
	sortMeetings(out)
	return out, nil
}

// ListMeetings returns the VP's meetings matching f, ordered by start.
func (s *Store) ListMeetings(ctx context.Context, vpOwner string, f meeting.Filter) ([]meeting.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []meeting.Meeting{}
	for _, m := range s.meetings {
		if m.VPOwner == vpOwner && f.Match(m) {
			out = append(out, m)
		}
	}
	sortMeetings(out)
	return out, nil
}

func (s *Store) MeetingStats(ctx context.Context, vpOwner string, now time.Time) (meeting.Stats, error) {
	ms, err := s.ListMeetings(ctx, vpOwner, meeting.Filter{})
	if err != nil {
		return meeting.Stats{}, err
	}
	return meeting.Summarize(ms, now), nil
}

func sortMeetings(ms []meeting.Meeting) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].StartTime.Before(ms[j].StartTime) })
}

func (s *Store) PutGrant(ctx context.Context, g delegation.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey{delegate: g.Delegate, vp: g.VPOwner}] = g
	return nil
}

// GrantsByVP lists the active grants a VP has made, ordered by delegate.
func (s *Store) GrantsByVP(ctx context.Context, vpOwnerID string) ([]delegation.Grant, error) {
	return s.activeGrants(func(g delegation.Grant) bool { return g.VPOwner == vpOwnerID }), nil
}

// GrantsByDelegate lists the active grants held by a delegate, ordered by VP.
func (s *Store) GrantsByDelegate(ctx context.Context, delegateID string) ([]delegation.Grant, error) {
	return s.activeGrants(func(g delegation.Grant) bool { return g.Delegate == delegateID }), nil
}

func (s *Store) activeGrants(match func(delegation.Grant) bool) []delegation.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []delegation.Grant{}
	for _, g := range s.grants {
		if g.Active && match(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VPOwner != out[j].VPOwner {
			return out[i].VPOwner < out[j].VPOwner
		}
		return out[i].Delegate < out[j].Delegate
	})
	return out
}

func (s *Store) LookupDelegation(ctx context.Context, delegateID, vpOwnerID string) (delegation.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey{delegate: delegateID, vp: vpOwnerID}]
	if !ok {
		return delegation.Grant{}, delegation.ErrNotFound
	}
	return g, nil
}

// UpsertConnection stores one connection per user and provider.
func (s *Store) UpsertConnection(ctx context.Context, c busy.Connection) (busy.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connKey{user: c.UserID, provider: c.Provider}
	if existing, ok := s.conns[key]; ok {
		c.ID = existing.ID
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Active = true
	c.UpdatedAt = time.Now().UTC()
	s.conns[key] = c
	return c, nil
}

func (s *Store) DeactivateConnection(ctx context.Context, userID string, provider busy.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connKey{user: userID, provider: provider}
	if c, ok := s.conns[key]; ok {
		c.Active = false
		s.conns[key] = c
	}
	return nil
}

func (s *Store) ActiveConnections(ctx context.Context, userID string) ([]busy.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []busy.Connection
	for _, c := range s.conns {
		if c.UserID == userID && c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *Store) SaveToken(ctx context.Context, connectionID string, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.conns {
		if c.ID == connectionID {
			c.Token = tok
			c.UpdatedAt = time.Now().UTC()
			s.conns[k] = c
			return nil
		}
	}
	return nil
}
