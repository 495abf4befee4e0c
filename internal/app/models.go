package app

import (
	"vpcal-service/internal/delegation"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/workinghours"
)

// workingHoursReq replaces a user's rule. Omitted buffer_minutes keeps the
// default.
type workingHoursReq struct {
	TimeZone      string                `json:"time_zone"`
	BufferMinutes *int                  `json:"buffer_minutes"`
	WorkingHours  workinghours.Template `json:"working_hours" binding:"required"`
}

// createMeetingReq is the body of an authenticated booking. Times are
// RFC3339 and must carry an offset.
type createMeetingReq struct {
	AttendeeID    string       `json:"attendee_id"`
	AttendeeEmail string       `json:"attendee_email" binding:"omitempty,email"`
	AttendeeName  string       `json:"attendee_name"`
	StartTime     string       `json:"start_time" binding:"required"`
	EndTime       string       `json:"end_time" binding:"required"`
	Type          meeting.Type `json:"type" binding:"omitempty,oneof=IN_PERSON VIRTUAL PHONE"`
	Title         string       `json:"title"`
	Location      string       `json:"location"`
}

// publicMeetingReq is the body of a booking made through a public page.
type publicMeetingReq struct {
	AttendeeEmail string       `json:"attendee_email" binding:"required,email"`
	AttendeeName  string       `json:"attendee_name" binding:"required"`
	StartTime     string       `json:"start_time" binding:"required"`
	EndTime       string       `json:"end_time" binding:"required"`
	Type          meeting.Type `json:"type" binding:"omitempty,oneof=IN_PERSON VIRTUAL PHONE"`
	Title         string       `json:"title"`
}

type availabilityResp struct {
	Available bool `json:"available"`
}

// grantReq sets a delegate's permissions. A missing permissions object
// grants the defaults.
type grantReq struct {
	Permissions *delegation.Permissions `json:"permissions"`
}

// updateMeetingReq patches a meeting. Omitted fields are left unchanged.
type updateMeetingReq struct {
	StartTime *string         `json:"start_time"`
	EndTime   *string         `json:"end_time"`
	Status    *meeting.Status `json:"status" binding:"omitempty,oneof=PENDING CONFIRMED COMPLETED"`
	Type      *meeting.Type   `json:"type" binding:"omitempty,oneof=IN_PERSON VIRTUAL PHONE"`
	Title     *string         `json:"title"`
	Location  *string         `json:"location"`
}
