package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"vpcal-service/internal/busy"
	"vpcal-service/internal/logging"
)

func (a *App) oauthConfig(c *gin.Context) (busy.Source, *oauth2.Config, bool) {
	provider := busy.Source(c.Param("provider"))
	cfg, ok := a.OAuth[provider]
	if !ok || cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "calendar provider not configured: " + string(provider)})
		return "", nil, false
	}
	return provider, cfg, true
}

// GET /api/calendar/:provider/auth starts the consent flow for the caller.
func (a *App) CalendarAuthHandler(c *gin.Context) {
	provider, cfg, ok := a.oauthConfig(c)
	if !ok {
		return
	}
	state, err := signState(a.StateSecret, actingUser(c), provider, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	url := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	c.JSON(http.StatusOK, gin.H{
		"auth_url": url,
		"state":    state,
	})
}

// GET /oauth2/callback/:provider exchanges the code and stores the
// connection for the user named in the signed state.
func (a *App) OAuthCallbackHandler(c *gin.Context) {
	provider, cfg, ok := a.oauthConfig(c)
	if !ok {
		return
	}
	if e := c.Query("error"); e != "" {
		badRequest(c, "authorization denied: "+e)
		return
	}
	code := c.Query("code")
	if code == "" {
		badRequest(c, "authorization code required")
		return
	}
	state, err := parseState(a.StateSecret, c.Query("state"))
	if err != nil || state.Provider != provider {
		badRequest(c, "invalid state")
		return
	}

	ctx := c.Request.Context()
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		logging.FromContext(ctx).Warn("oauth code exchange failed", "provider", provider, "err", err)
		badRequest(c, "failed to exchange code for token")
		return
	}
	conn, err := a.Connections.UpsertConnection(ctx, busy.Connection{
		UserID:     state.Subject,
		Provider:   provider,
		CalendarID: "primary",
		Token:      token,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	logging.FromContext(ctx).Info("calendar connected", "user_id", conn.UserID, "provider", provider, "connection_id", conn.ID)
	c.JSON(http.StatusOK, gin.H{
		"message":    "authorization successful",
		"connection": conn,
	})
}

// GET /api/calendar/connections
func (a *App) ListConnectionsHandler(c *gin.Context) {
	conns, err := a.Connections.ActiveConnections(c.Request.Context(), actingUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if conns == nil {
		conns = []busy.Connection{}
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"count":       len(conns),
	})
}

// DELETE /api/calendar/connections/:provider
func (a *App) DisconnectHandler(c *gin.Context) {
	provider := busy.Source(c.Param("provider"))
	if err := a.Connections.DeactivateConnection(c.Request.Context(), actingUser(c), provider); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
