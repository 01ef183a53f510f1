package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Job is a digest request received from the input queue.
type Job struct {
	ID        string `json:"id,omitempty"`
	ObjectKey string `json:"objectKey"`
	Algorithm string `json:"algorithm,omitempty"`
}

// JobResult is the digest computed by a processing endpoint.
type JobResult struct {
	ObjectKey string `json:"objectKey"`
	Algorithm string `json:"algorithm,omitempty"`
	Digest    string `json:"digest"`
}

// Validate reports whether the job can be dispatched.
func (j Job) Validate() error {
	if j.ObjectKey == "" {
		return errors.New("objectKey is required")
	}
	return nil
}

// DecodeJob parses a queue message body into a Job.
func DecodeJob(body string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Encode serializes the result for the output queue.
func (r JobResult) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}

// Encode serializes the job as a queue message body.
func (j Job) Encode() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(raw), nil
}
