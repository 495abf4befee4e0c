package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"vpcal-service/internal/booking"
	"vpcal-service/internal/delegation"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/slots"
	"vpcal-service/internal/workinghours"
)

// authorizeFor lets the user act on their own resources, and a delegate act
// when the VP granted perm.
func (a *App) authorizeFor(c *gin.Context, vpID string, perm delegation.Permission) bool {
	user := actingUser(c)
	if user == vpID {
		return true
	}
	ok, err := a.Auth.Authorize(c.Request.Context(), user, vpID, perm)
	if err != nil {
		writeError(c, err)
		return false
	}
	if !ok {
		writeError(c, errForbidden)
		return false
	}
	return true
}

func parseInstant(c *gin.Context, name, raw string) (time.Time, bool) {
	if raw == "" {
		badRequest(c, name+" required (RFC3339 with offset)")
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, "invalid "+name)
		return time.Time{}, false
	}
	return t, true
}

// GET /api/users/:id/working-hours
func (a *App) GetWorkingHoursHandler(c *gin.Context) {
	userID := c.Param("id")
	if !a.authorizeFor(c, userID, delegation.CanView) {
		return
	}
	rule, err := a.Rules.Rule(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// PUT /api/users/:id/working-hours. Only the VP edits their own rule;
// canUpdate covers meetings, not working hours.
func (a *App) PutWorkingHoursHandler(c *gin.Context) {
	userID, ok := a.ownerOnly(c)
	if !ok {
		return
	}
	var req workingHoursReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()

	current, err := a.Rules.Rule(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	rule := workinghours.Rule{
		OwnerID:       userID,
		TimeZone:      current.TimeZone,
		BufferMinutes: current.BufferMinutes,
		Template:      req.WorkingHours,
	}
	if req.TimeZone != "" {
		rule.TimeZone = req.TimeZone
	}
	if req.BufferMinutes != nil {
		rule.BufferMinutes = *req.BufferMinutes
	}
	if err := rule.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	saved, err := a.Rules.SaveRule(ctx, rule)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (a *App) generate(c *gin.Context, userID string) (slots.Result, bool) {
	from, ok := parseInstant(c, "from", c.Query("from"))
	if !ok {
		return slots.Result{}, false
	}
	to, ok := parseInstant(c, "to", c.Query("to"))
	if !ok {
		return slots.Result{}, false
	}
	duration := slots.DefaultDurationMinutes
	if raw := c.Query("duration"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid duration")
			return slots.Result{}, false
		}
		duration = n
	}
	res, err := a.Slots.Generate(c.Request.Context(), userID, from, to, duration)
	if err != nil {
		writeError(c, err)
		return slots.Result{}, false
	}
	return res, true
}

// GET /api/users/:id/slots?from=ISO&to=ISO&duration=30
func (a *App) GetSlotsHandler(c *gin.Context) {
	userID := c.Param("id")
	if !a.authorizeFor(c, userID, delegation.CanView) {
		return
	}
	res, ok := a.generate(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/public/vps/:vp/slots lists only the free candidates.
func (a *App) PublicSlotsHandler(c *gin.Context) {
	res, ok := a.generate(c, c.Param("vp"))
	if !ok {
		return
	}
	free := make([]slots.Slot, 0, len(res.Slots))
	for _, s := range res.Slots {
		if s.Available {
			free = append(free, s)
		}
	}
	res.Slots = free
	c.JSON(http.StatusOK, res)
}

// GET /api/users/:id/availability?start=ISO&end=ISO
func (a *App) AvailabilityHandler(c *gin.Context) {
	userID := c.Param("id")
	if !a.authorizeFor(c, userID, delegation.CanView) {
		return
	}
	start, ok := parseInstant(c, "start", c.Query("start"))
	if !ok {
		return
	}
	end, ok := parseInstant(c, "end", c.Query("end"))
	if !ok {
		return
	}
	available, err := a.Slots.IsSlotAvailable(c.Request.Context(), userID, start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, availabilityResp{Available: available})
}

// POST /api/users/:id/meetings books for :id on behalf of the caller.
func (a *App) CreateMeetingHandler(c *gin.Context) {
	var req createMeetingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	start, ok := parseInstant(c, "start_time", req.StartTime)
	if !ok {
		return
	}
	end, ok := parseInstant(c, "end_time", req.EndTime)
	if !ok {
		return
	}
	m, err := a.Booking.CreateMeeting(c.Request.Context(), booking.Request{
		VPOwner:       c.Param("id"),
		AttendeeID:    req.AttendeeID,
		AttendeeEmail: req.AttendeeEmail,
		AttendeeName:  req.AttendeeName,
		Start:         start,
		End:           end,
		Type:          req.Type,
		Title:         req.Title,
		Location:      req.Location,
	}, actingUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// POST /api/public/vps/:vp/meetings
func (a *App) PublicBookHandler(c *gin.Context) {
	var req publicMeetingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	start, ok := parseInstant(c, "start_time", req.StartTime)
	if !ok {
		return
	}
	end, ok := parseInstant(c, "end_time", req.EndTime)
	if !ok {
		return
	}
	m, err := a.Booking.BookPublic(c.Request.Context(), booking.Request{
		VPOwner:       c.Param("vp"),
		AttendeeEmail: req.AttendeeEmail,
		AttendeeName:  req.AttendeeName,
		Start:         start,
		End:           end,
		Type:          req.Type,
		Title:         req.Title,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// GET /api/users/:id/meetings?from=ISO&to=ISO&status=S&type=T
func (a *App) ListMeetingsHandler(c *gin.Context) {
	userID := c.Param("id")
	if !a.authorizeFor(c, userID, delegation.CanView) {
		return
	}
	var f meeting.Filter
	if c.Query("from") != "" || c.Query("to") != "" {
		var ok bool
		if f.From, ok = parseInstant(c, "from", c.Query("from")); !ok {
			return
		}
		if f.To, ok = parseInstant(c, "to", c.Query("to")); !ok {
			return
		}
		if !f.From.Before(f.To) {
			badRequest(c, "from must be before to")
			return
		}
	}
	if raw := c.Query("status"); raw != "" {
		f.Status = meeting.Status(raw)
		if !f.Status.Valid() {
			badRequest(c, "invalid status")
			return
		}
	}
	if raw := c.Query("type"); raw != "" {
		f.Type = meeting.Type(raw)
		if !f.Type.Valid() {
			badRequest(c, "invalid type")
			return
		}
	}
	ms, err := a.Meetings.ListMeetings(c.Request.Context(), userID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ms)
}

// GET /api/users/:id/meetings/stats
func (a *App) MeetingStatsHandler(c *gin.Context) {
	userID := c.Param("id")
	if !a.authorizeFor(c, userID, delegation.CanView) {
		return
	}
	st, err := a.Meetings.MeetingStats(c.Request.Context(), userID, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GET /api/meetings/:id
func (a *App) GetMeetingHandler(c *gin.Context) {
	m, err := a.Booking.Get(c.Request.Context(), c.Param("id"), actingUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// PATCH /api/meetings/:id reschedules or edits a meeting.
func (a *App) UpdateMeetingHandler(c *gin.Context) {
	var req updateMeetingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var u booking.Update
	if req.StartTime != nil {
		t, ok := parseInstant(c, "start_time", *req.StartTime)
		if !ok {
			return
		}
		u.Start = &t
	}
	if req.EndTime != nil {
		t, ok := parseInstant(c, "end_time", *req.EndTime)
		if !ok {
			return
		}
		u.End = &t
	}
	u.Status, u.Type, u.Title, u.Location = req.Status, req.Type, req.Title, req.Location
	m, err := a.Booking.UpdateMeeting(c.Request.Context(), c.Param("id"), u, actingUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// DELETE /api/meetings/:id
func (a *App) CancelMeetingHandler(c *gin.Context) {
	m, err := a.Booking.Cancel(c.Request.Context(), c.Param("id"), actingUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
