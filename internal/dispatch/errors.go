package dispatch

import "fmt"

// MetadataError means the object size could not be resolved; the job is
// not dispatched.
type MetadataError struct {
	Key string
	Err error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("resolve size of %q: %v", e.Key, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// DispatchError is returned when no delivery path succeeded for a job.
// Route is empty if the job failed before a route was chosen.
type DispatchError struct {
	ObjectKey string
	Route     string
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Route == "" {
		return fmt.Sprintf("dispatch %q: %v", e.ObjectKey, e.Err)
	}
	return fmt.Sprintf("dispatch %q via %s: %v", e.ObjectKey, e.Route, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
