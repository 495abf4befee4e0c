package outlook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"vpcal-service/internal/busy"
)

const (
	graphBaseURL      = "https://graph.microsoft.com/v1.0"
	outlookTimeFormat = "2006-01-02T15:04:05"
	pageSize          = 100
	// Guards against a misbehaving nextLink chain.
	maxPages = 50
)

// Scopes requested when linking an Outlook calendar.
var Scopes = []string{"offline_access", "Calendars.Read"}

// NewOAuthConfig builds the OAuth2 config for a tenant, or nil when not configured.
func NewOAuthConfig(tenant, clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil
	}
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// Provider reads busy time from the Microsoft Graph calendar view.
type Provider struct {
	config  *oauth2.Config
	saver   busy.TokenSaver
	logger  *slog.Logger
	baseURL string
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func WithTokenSaver(s busy.TokenSaver) Option {
	return func(p *Provider) { p.saver = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func New(cfg *oauth2.Config, opts ...Option) *Provider {
	p := &Provider{config: cfg, logger: slog.Default(), baseURL: graphBaseURL}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() busy.Source { return busy.SourceOutlook }

type calendarViewPage struct {
	Value []struct {
		ShowAs      string `json:"showAs"`
		IsCancelled bool   `json:"isCancelled"`
		Start       struct {
			DateTime string `json:"dateTime"`
		} `json:"start"`
		End struct {
			DateTime string `json:"dateTime"`
		} `json:"end"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (p *Provider) FetchBusy(ctx context.Context, conn busy.Connection, from, to time.Time) ([]busy.Interval, error) {
	if conn.Token == nil {
		return nil, fmt.Errorf("connection %s has no token", conn.ID)
	}
	cfg := p.config
	if cfg == nil {
		cfg = &oauth2.Config{Endpoint: microsoft.AzureADEndpoint("common")}
	}
	client := oauth2.NewClient(ctx, busy.TokenSource(ctx, cfg, conn, p.saver, p.logger))

	path := "/me/calendarView"
	if conn.CalendarID != "" && conn.CalendarID != "primary" {
		path = "/me/calendars/" + url.PathEscape(conn.CalendarID) + "/calendarView"
	}
	q := url.Values{}
	q.Set("startDateTime", from.UTC().Format(outlookTimeFormat))
	q.Set("endDateTime", to.UTC().Format(outlookTimeFormat))
	q.Set("$select", "showAs,isCancelled,start,end")
	q.Set("$top", fmt.Sprint(pageSize))
	next := p.baseURL + path + "?" + q.Encode()

	var out []busy.Interval
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("calendar view exceeded %d pages", maxPages)
		}
		var body calendarViewPage
		if err := p.get(ctx, client, next, &body); err != nil {
			return nil, err
		}
		for _, ev := range body.Value {
			if ev.IsCancelled || ev.ShowAs == "free" || ev.ShowAs == "workingElsewhere" {
				continue
			}
			start, err := time.ParseInLocation(outlookTimeFormat, trimFraction(ev.Start.DateTime), time.UTC)
			if err != nil {
				return nil, fmt.Errorf("parse event start %q: %w", ev.Start.DateTime, err)
			}
			end, err := time.ParseInLocation(outlookTimeFormat, trimFraction(ev.End.DateTime), time.UTC)
			if err != nil {
				return nil, fmt.Errorf("parse event end %q: %w", ev.End.DateTime, err)
			}
			out = append(out, busy.Interval{Start: start, End: end, Source: busy.SourceOutlook})
		}
		next = body.NextLink
	}
	return out, nil
}

func (p *Provider) get(ctx context.Context, client *http.Client, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get calendar view: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar view failed with status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Graph returns seven fractional digits, e.g. 2025-12-22T10:00:00.0000000.
func trimFraction(s string) string {
	if len(s) > len(outlookTimeFormat) {
		return s[:len(outlookTimeFormat)]
	}
	return s
}
