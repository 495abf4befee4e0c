package google

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"vpcal-service/internal/busy"
)

// Scopes requested when linking a Google calendar.
var Scopes = []string{calendar.CalendarReadonlyScope}

// NewOAuthConfig builds the OAuth2 config, or nil when not configured.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     googleoauth.Endpoint,
	}
}

// Provider reads busy time through the Calendar FreeBusy API.
type Provider struct {
	config   *oauth2.Config
	saver    busy.TokenSaver
	logger   *slog.Logger
	endpoint string
}

type Option func(*Provider)

// WithEndpoint overrides the API base URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

func WithTokenSaver(s busy.TokenSaver) Option {
	return func(p *Provider) { p.saver = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func New(cfg *oauth2.Config, opts ...Option) *Provider {
	p := &Provider{config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() busy.Source { return busy.SourceGoogle }

func (p *Provider) FetchBusy(ctx context.Context, conn busy.Connection, from, to time.Time) ([]busy.Interval, error) {
	if conn.Token == nil {
		return nil, fmt.Errorf("connection %s has no token", conn.ID)
	}
	cfg := p.config
	if cfg == nil {
		cfg = &oauth2.Config{Endpoint: googleoauth.Endpoint}
	}
	ts := busy.TokenSource(ctx, cfg, conn, p.saver, p.logger)

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	resp, err := srv.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin:  from.UTC().Format(time.RFC3339),
		TimeMax:  to.UTC().Format(time.RFC3339),
		TimeZone: "UTC",
		Items:    []*calendar.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("query free/busy: %w", err)
	}

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %q missing from free/busy response", calendarID)
	}
	if len(cal.Errors) > 0 {
		reasons := make([]string, 0, len(cal.Errors))
		for _, e := range cal.Errors {
			reasons = append(reasons, e.Reason)
		}
		return nil, fmt.Errorf("calendar %q: %s", calendarID, strings.Join(reasons, ", "))
	}

	out := make([]busy.Interval, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, fmt.Errorf("parse busy start %q: %w", period.Start, err)
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, fmt.Errorf("parse busy end %q: %w", period.End, err)
		}
		out = append(out, busy.Interval{Start: start, End: end, Source: busy.SourceGoogle})
	}
	return out, nil
}
