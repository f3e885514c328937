package booksy

import (
	"github.com/mariia-hub/booksy-sync/internal/booking"
)

// statusToHub maps Booksy appointment statuses onto the hub lifecycle. A
// no-show keeps no capacity, so it lands on cancelled.
var statusToHub = map[string]booking.Status{
	AppointmentAccepted:  booking.StatusPending,
	AppointmentConfirmed: booking.StatusConfirmed,
	AppointmentCanceled:  booking.StatusCancelled,
	AppointmentFinished:  booking.StatusCompleted,
	AppointmentNoShow:    booking.StatusCancelled,
}

var statusFromHub = map[booking.Status]string{
	booking.StatusPending:   AppointmentAccepted,
	booking.StatusConfirmed: AppointmentConfirmed,
	booking.StatusCancelled: AppointmentCanceled,
	booking.StatusCompleted: AppointmentFinished,
}

// ToSnapshot converts the remote appointment into the hub snapshot model.
// SubjectID stays empty; the caller resolves it through the ID map.
func (a *Appointment) ToSnapshot(providerID string) *booking.Snapshot {
	snap := &booking.Snapshot{
		ProviderID: providerID,
		ServiceID:  a.ServiceID,
		StartsAt:   a.StartsAt,
		EndsAt:     a.EndsAt,
		Status:     statusToHub[a.Status],
		Notes:      a.Note,
		UpdatedAt:  a.UpdatedAt,
	}
	if a.Customer != nil {
		snap.ClientName = a.Customer.Name
		snap.Email = a.Customer.Email
		snap.Phone = a.Customer.Phone
	}
	if snap.Status == "" {
		snap.Status = booking.StatusPending
	}
	return snap
}

// FromSnapshot builds the remote appointment payload for a hub snapshot.
// The external service ID must already be resolved through the ID map.
func FromSnapshot(snap *booking.Snapshot, businessID, externalServiceID string) *Appointment {
	appt := &Appointment{
		BusinessID: businessID,
		ServiceID:  externalServiceID,
		StartsAt:   snap.StartsAt,
		EndsAt:     snap.EndsAt,
		Status:     statusFromHub[snap.Status],
		Note:       snap.Notes,
	}
	if snap.ClientName != "" || snap.Email != "" || snap.Phone != "" {
		appt.Customer = &Customer{
			Name:  snap.ClientName,
			Email: snap.Email,
			Phone: snap.Phone,
		}
	}
	return appt
}
