package models

import "time"

// Routes a dispatch can take.
const (
	RouteCache   = "cache"
	RouteStatic  = "static"
	RouteElastic = "elastic"
)

// DispatchEvent is an audit record of one routing decision.
type DispatchEvent struct {
	JobID      string    `json:"job_id"`
	ObjectKey  string    `json:"object_key"`
	Size       int64     `json:"size"`
	Route      string    `json:"route"`
	Endpoint   string    `json:"endpoint"`
	InstanceID string    `json:"instance_id,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      *string   `json:"error,omitempty"`
	Recorded   time.Time `json:"recorded_at"`
}
