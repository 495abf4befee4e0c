package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"vpcal-service/internal/booking"
	"vpcal-service/internal/busy"
	"vpcal-service/internal/delegation"
	"vpcal-service/internal/logging"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/slots"
	"vpcal-service/internal/workinghours"
)

type RuleStore interface {
	Rule(ctx context.Context, userID string) (workinghours.Rule, error)
	SaveRule(ctx context.Context, rule workinghours.Rule) (workinghours.Rule, error)
}

type MeetingLister interface {
	ListMeetings(ctx context.Context, vpOwner string, f meeting.Filter) ([]meeting.Meeting, error)
	MeetingStats(ctx context.Context, vpOwner string, now time.Time) (meeting.Stats, error)
}

type ConnectionStore interface {
	UpsertConnection(ctx context.Context, c busy.Connection) (busy.Connection, error)
	DeactivateConnection(ctx context.Context, userID string, provider busy.Source) error
	ActiveConnections(ctx context.Context, userID string) ([]busy.Connection, error)
}

type GrantStore interface {
	PutGrant(ctx context.Context, g delegation.Grant) error
	GrantsByVP(ctx context.Context, vpOwnerID string) ([]delegation.Grant, error)
	GrantsByDelegate(ctx context.Context, delegateID string) ([]delegation.Grant, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, delegateID, vpOwnerID string, perm delegation.Permission) (bool, error)
}

// Check is one named readiness check.
type Check func(ctx context.Context) error

type App struct {
	Rules       RuleStore
	Meetings    MeetingLister
	Connections ConnectionStore
	Grants      GrantStore
	Booking     *booking.Validator
	Slots       *slots.Generator
	Auth        Authorizer
	// OAuth holds the configured calendar providers; a missing entry means
	// the provider is not enabled.
	OAuth       map[busy.Source]*oauth2.Config
	StateSecret []byte
	Ready       map[string]Check
	Logger      *slog.Logger
}

// Router builds the gin engine. Routes registered before the auth middleware
// are public.
func (a *App) Router(jwtSecret string, staticTokens []string) *gin.Engine {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if len(a.StateSecret) == 0 {
		a.StateSecret = randomSecret()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(a.Logger))

	router.GET("/healthz", a.HealthHandler)
	router.GET("/readyz", a.ReadyHandler)
	router.GET("/oauth2/callback/:provider", a.OAuthCallbackHandler)

	public := router.Group("/api/public/vps/:vp")
	{
		public.GET("/slots", a.PublicSlotsHandler)
		public.POST("/meetings", a.PublicBookHandler)
	}

	api := router.Group("/api", AuthMiddleware(jwtSecret, staticTokens))
	{
		users := api.Group("/users")
		{
			users.GET("/:id/working-hours", a.GetWorkingHoursHandler)
			users.PUT("/:id/working-hours", a.PutWorkingHoursHandler)
			users.GET("/:id/slots", a.GetSlotsHandler)
			users.GET("/:id/availability", a.AvailabilityHandler)
			users.POST("/:id/meetings", a.CreateMeetingHandler)
			users.GET("/:id/meetings", a.ListMeetingsHandler)
			users.GET("/:id/meetings/stats", a.MeetingStatsHandler)
			users.GET("/:id/delegates", a.ListDelegatesHandler)
			users.GET("/:id/vps", a.ListVPsHandler)
			users.PUT("/:id/delegates/:delegate", a.PutDelegateHandler)
			users.DELETE("/:id/delegates/:delegate", a.RevokeDelegateHandler)
		}
		api.GET("/meetings/:id", a.GetMeetingHandler)
		api.PATCH("/meetings/:id", a.UpdateMeetingHandler)
		api.DELETE("/meetings/:id", a.CancelMeetingHandler)

		calendar := api.Group("/calendar")
		{
			calendar.GET("/:provider/auth", a.CalendarAuthHandler)
			calendar.GET("/connections", a.ListConnectionsHandler)
			calendar.DELETE("/connections/:provider", a.DisconnectHandler)
		}
	}
	return router
}

func randomSecret() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

const requestIDHeader = "X-Request-Id"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			var b [16]byte
			_, _ = rand.Read(b[:])
			id = hex.EncodeToString(b[:])
		}
		c.Header(requestIDHeader, id)
		c.Set("request_id", id)
		c.Next()
	}
}

// accessLog emits one line per request and attaches a request-scoped logger
// to the request context.
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger.With("request_id", c.GetString("request_id"))
		c.Request = c.Request.WithContext(logging.ContextWithLogger(c.Request.Context(), reqLogger))

		c.Next()

		reqLogger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"user_id", c.GetString(ctxUserID),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (a *App) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadyHandler runs every readiness check with a shared deadline.
func (a *App) ReadyHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range a.Ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
