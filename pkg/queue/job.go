// Package queue carries conversion jobs over AMQP so that conversions can be
// submitted from one machine and run by a pool of workers on others.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadflow/cadflow/pkg/format"
)

// Target is one export destination of a job.
type Target struct {
	Path      string            `json:"path"`
	Format    string            `json:"format,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

// Job imports Inputs into one document and exports it to every target.
type Job struct {
	ID           string            `json:"id"`
	Inputs       []string          `json:"inputs"`
	Targets      []Target          `json:"targets,omitempty"`
	Overrides    map[string]string `json:"overrides,omitempty"` // reader overrides for every input
	AllOrNothing bool              `json:"all_or_nothing,omitempty"`
	Submitted    time.Time         `json:"submitted"`

	// Trace carries the submitter's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// NewJob creates a job with a fresh id.
func NewJob(inputs []string, targets ...Target) Job {
	return Job{
		ID:        uuid.NewString(),
		Inputs:    inputs,
		Targets:   targets,
		Submitted: time.Now().UTC(),
	}
}

// Validate checks the job before it is published or run.
func (j Job) Validate() error {
	if j.ID == "" {
		return errors.New("job has no id")
	}
	if len(j.Inputs) == 0 {
		return errors.New("job has no inputs")
	}
	for _, t := range j.Targets {
		if t.Path == "" {
			return errors.New("job target has no path")
		}
		if t.Format != "" {
			if _, err := format.Parse(t.Format); err != nil {
				return fmt.Errorf("job target %s: %w", t.Path, err)
			}
		}
	}
	return nil
}

// Encode serialises a job as a message body.
func Encode(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// Decode parses and validates a message body.
func Decode(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}
