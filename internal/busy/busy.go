package busy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"vpcal-service/internal/meeting"
)

// Source tags where a busy interval came from.
type Source string

const (
	SourceInternal Source = "internal"
	SourceGoogle   Source = "google"
	SourceOutlook  Source = "outlook"
)

// Interval is a range that blocks new bookings. Never persisted.
type Interval struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Source Source    `json:"source"`
	// MeetingID is set for internal meetings.
	MeetingID string `json:"meeting_id,omitempty"`
}

// Connection is one linked external calendar.
type Connection struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Provider   Source        `json:"provider"`
	CalendarID string        `json:"calendar_id"`
	Token      *oauth2.Token `json:"-"`
	Active     bool          `json:"active"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Provider fetches busy time from one calendar provider.
type Provider interface {
	Name() Source
	FetchBusy(ctx context.Context, conn Connection, from, to time.Time) ([]Interval, error)
}

type ConnectionSource interface {
	ActiveConnections(ctx context.Context, userID string) ([]Connection, error)
}

type MeetingSource interface {
	// BlockingMeetings returns PENDING/CONFIRMED meetings intersecting [from, to].
	BlockingMeetings(ctx context.Context, vpOwner string, from, to time.Time) ([]meeting.Meeting, error)
}

// ErrSourceUnavailable matches every SourceError.
var ErrSourceUnavailable = errors.New("external source unavailable")

// SourceError records one external source that could not be read. It does not
// fail the aggregate call.
type SourceError struct {
	Source       Source
	ConnectionID string
	Err          error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s (connection %s): %v", e.Source, e.ConnectionID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSourceUnavailable }

// Result is the merged view for one range.
type Result struct {
	Intervals   []Interval
	Unavailable []*SourceError
}

// Degraded reports whether any external source was omitted.
func (r Result) Degraded() bool { return len(r.Unavailable) > 0 }

// DegradedSources lists the omitted source tags.
func (r Result) DegradedSources() []string {
	out := make([]string, 0, len(r.Unavailable))
	for _, u := range r.Unavailable {
		out = append(out, string(u.Source))
	}
	return out
}

const DefaultFetchTimeout = 5 * time.Second

type Aggregator struct {
	meetings    MeetingSource
	connections ConnectionSource
	providers   map[Source]Provider
	timeout     time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

type Option func(*Aggregator)

func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAggregator(meetings MeetingSource, connections ConnectionSource, providers []Provider, opts ...Option) *Aggregator {
	a := &Aggregator{
		meetings:    meetings,
		connections: connections,
		providers:   make(map[Source]Provider, len(providers)),
		timeout:     DefaultFetchTimeout,
		logger:      slog.Default(),
		tracer:      otel.Tracer("vpcal-service/busy"),
	}
	for _, p := range providers {
		a.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BusyIntervals merges internal blocking meetings with one fetch per active
// external connection. Store failures fail the call; provider failures and
// timeouts are reported in Result.Unavailable and their intervals omitted.
func (a *Aggregator) BusyIntervals(ctx context.Context, userID string, from, to time.Time) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "busy.intervals", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("range.from", from.UTC().Format(time.RFC3339)),
		attribute.String("range.to", to.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	meetings, err := a.meetings.BlockingMeetings(ctx, userID, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "internal meetings")
		return Result{}, fmt.Errorf("load meetings: %w", err)
	}
	var res Result
	for _, m := range meetings {
		res.Intervals = append(res.Intervals, Interval{Start: m.StartTime, End: m.EndTime, Source: SourceInternal, MeetingID: m.ID})
	}

	var conns []Connection
	if a.connections != nil {
		conns, err = a.connections.ActiveConnections(ctx, userID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "connections")
			return Result{}, fmt.Errorf("load calendar connections: %w", err)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			intervals, err := a.fetch(ctx, conn, from, to)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				se := &SourceError{Source: conn.Provider, ConnectionID: conn.ID, Err: err}
				res.Unavailable = append(res.Unavailable, se)
				a.logger.Warn("external busy source unavailable",
					"user_id", userID, "provider", conn.Provider, "connection_id", conn.ID, "err", err)
				return nil
			}
			res.Intervals = append(res.Intervals, intervals...)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Intervals, func(i, j int) bool { return res.Intervals[i].Start.Before(res.Intervals[j].Start) })
	sort.Slice(res.Unavailable, func(i, j int) bool { return res.Unavailable[i].ConnectionID < res.Unavailable[j].ConnectionID })
	span.SetAttributes(
		attribute.Int("busy.count", len(res.Intervals)),
		attribute.Int("busy.degraded", len(res.Unavailable)),
	)
	return res, nil
}

func (a *Aggregator) fetch(ctx context.Context, conn Connection, from, to time.Time) ([]Interval, error) {
	ctx, span := a.tracer.Start(ctx, "busy.fetch", trace.WithAttributes(
		attribute.String("calendar.provider", string(conn.Provider)),
		attribute.String("calendar.connection_id", conn.ID),
	))
	defer span.End()

	p, ok := a.providers[conn.Provider]
	if !ok {
		err := fmt.Errorf("no provider registered for %q", conn.Provider)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Providers that ignore ctx still cannot hold the call past the timeout.
	type fetched struct {
		intervals []Interval
		err       error
	}
	done := make(chan fetched, 1)
	go func() {
		iv, err := p.FetchBusy(ctx, conn, from, to)
		done <- fetched{intervals: iv, err: err}
	}()

	var (
		intervals []Interval
		err       error
	)
	select {
	case f := <-done:
		intervals, err = f.intervals, f.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	for i := range intervals {
		intervals[i].Source = conn.Provider
	}
	return intervals, nil
}
