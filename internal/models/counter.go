package models

// Counter is a physical service station an agent calls tickets to.
type Counter struct {
	CounterID  string `json:"counter_id"`
	Name       string `json:"name"`
	LocationID string `json:"location_id"`
	Status     string `json:"status"`
}
