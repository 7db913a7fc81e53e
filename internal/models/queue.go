package models

import "time"

// Queue is a named line of service with its own numbering and priority.
// Prefix and NumberWidth are treated as immutable once tickets exist;
// changing them would orphan in-flight period counters.
type Queue struct {
	QueueID     string    `json:"queue_id"`
	Name        string    `json:"name"`
	Prefix      string    `json:"prefix"`
	NumberWidth int       `json:"number_width"`
	Priority    int       `json:"priority"`
	ResetPolicy string    `json:"reset_policy"`
	LocationID  string    `json:"location_id"`
	SortOrder   int       `json:"sort_order"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	ResetNever   = "never"
	ResetDaily   = "daily"
	ResetWeekly  = "weekly"
	ResetMonthly = "monthly"
	ResetYearly  = "yearly"
	ResetManual  = "manual"
)
