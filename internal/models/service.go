package models

// Service is a category of work tickets are issued for. Services are created
// by configuration and deactivated rather than deleted.
type Service struct {
	ServiceID          string `json:"service_id"`
	Code               string `json:"code"`
	Name               string `json:"name"`
	BaseServiceMinutes int    `json:"base_service_minutes"`
	Active             bool   `json:"active"`
}
