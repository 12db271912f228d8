package entity

const (
	HealthOk       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

type ComponentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}
