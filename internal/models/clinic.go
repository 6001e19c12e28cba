package models

import "time"

type Clinic struct {
	ClinicID         string     `json:"clinic_id"`
	Slug             string     `json:"slug"`
	Name             string     `json:"name"`
	DailyTicketCount int        `json:"daily_ticket_count"`
	LastTicketDate   *time.Time `json:"last_ticket_date,omitempty"`
	AvgMinutes       int        `json:"avg_minutes"`
}
