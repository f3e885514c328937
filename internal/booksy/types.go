// Package booksy is the sole boundary speaking the Booksy protocol. It owns
// credential refresh, error normalization, webhook verification, the rate
// budget, and the internal/external identifier mapping. Nothing outside this
// package sees a raw Booksy response.
package booksy

import (
	"time"
)

// Appointment is Booksy's representation of a booking. Field names follow
// the remote wire format, not the hub's.
type Appointment struct {
	ID         string    `json:"id,omitempty"`
	BusinessID string    `json:"business_id"`
	ServiceID  string    `json:"service_id"`
	CustomerID string    `json:"customer_id,omitempty"`
	Customer   *Customer `json:"customer,omitempty"`
	StartsAt   time.Time `json:"booked_from"`
	EndsAt     time.Time `json:"booked_till"`
	Status     string    `json:"status"`
	Note       string    `json:"note,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Customer identifies the remote-side client attached to an appointment.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Appointment statuses as Booksy reports them.
const (
	AppointmentAccepted  = "accepted"
	AppointmentConfirmed = "confirmed"
	AppointmentCanceled  = "canceled"
	AppointmentFinished  = "finished"
	AppointmentNoShow    = "no_show"
)

// AppointmentPage is one page of a paged appointment listing.
type AppointmentPage struct {
	Appointments []Appointment `json:"appointments"`
	Page         int           `json:"page"`
	PerPage      int           `json:"per_page"`
	Total        int           `json:"total"`
}

// HasMore reports whether another page follows this one.
func (p *AppointmentPage) HasMore() bool {
	return p.Page*p.PerPage < p.Total
}

// AvailabilitySlot is one remote availability window for a business.
type AvailabilitySlot struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Capacity int       `json:"capacity"`
}

// ListFilter narrows a paged appointment listing.
type ListFilter struct {
	// UpdatedSince skips appointments unchanged since the given instant
	UpdatedSince time.Time
	// From/Till bound the appointment time range, zero means unbounded
	From time.Time
	Till time.Time
}
