package app

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"vpcal-service/internal/delegation"
)

// ownerOnly admits only the user named by :id.
func (a *App) ownerOnly(c *gin.Context) (string, bool) {
	vpID := c.Param("id")
	if actingUser(c) != vpID {
		writeError(c, errForbidden)
		return "", false
	}
	return vpID, true
}

// PUT /api/users/:id/delegates/:delegate
func (a *App) PutDelegateHandler(c *gin.Context) {
	vpID, ok := a.ownerOnly(c)
	if !ok {
		return
	}
	delegate := c.Param("delegate")
	if delegate == vpID {
		badRequest(c, "cannot delegate to yourself")
		return
	}
	var req grantReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	perms := delegation.DefaultPermissions()
	if req.Permissions != nil {
		perms = *req.Permissions
	}
	g := delegation.Grant{VPOwner: vpID, Delegate: delegate, Permissions: perms, Active: true}
	if err := a.Grants.PutGrant(c.Request.Context(), g); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// DELETE /api/users/:id/delegates/:delegate
func (a *App) RevokeDelegateHandler(c *gin.Context) {
	vpID, ok := a.ownerOnly(c)
	if !ok {
		return
	}
	g := delegation.Grant{VPOwner: vpID, Delegate: c.Param("delegate")}
	if err := a.Grants.PutGrant(c.Request.Context(), g); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/users/:id/delegates lists the VP's active delegates.
func (a *App) ListDelegatesHandler(c *gin.Context) {
	vpID, ok := a.ownerOnly(c)
	if !ok {
		return
	}
	gs, err := a.Grants.GrantsByVP(c.Request.Context(), vpID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gs)
}

// GET /api/users/:id/vps lists the VPs that delegated to :id.
func (a *App) ListVPsHandler(c *gin.Context) {
	userID, ok := a.ownerOnly(c)
	if !ok {
		return
	}
	gs, err := a.Grants.GrantsByDelegate(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gs)
}
