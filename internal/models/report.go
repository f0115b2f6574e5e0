package models

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// RunReport collects the per-step outcomes of one backup run.
type RunReport struct {
	RunID     string
	Host      string
	StartTime time.Time
	Duration  time.Duration

	Roles     *DumpOutcome // nil if roles were not dumped
	Databases []DumpOutcome
	Uploaded  []string
	Pruned    []string
}

// Failed returns every failed outcome, roles first.
func (r *RunReport) Failed() []DumpOutcome {
	var failed []DumpOutcome
	if r.Roles != nil && !r.Roles.OK() {
		failed = append(failed, *r.Roles)
	}
	for _, o := range r.Databases {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Succeeded returns the number of databases dumped successfully.
func (r *RunReport) Succeeded() int {
	n := 0
	for _, o := range r.Databases {
		if o.OK() {
			n++
		}
	}
	return n
}

// Artifacts returns the paths of every artifact written in this run.
func (r *RunReport) Artifacts() []string {
	var paths []string
	if r.Roles != nil && r.Roles.OK() {
		paths = append(paths, r.Roles.Path)
	}
	for _, o := range r.Databases {
		if o.OK() {
			paths = append(paths, o.Path)
		}
	}
	return paths
}

// Err aggregates all dump failures, or returns nil.
func (r *RunReport) Err() error {
	var result *multierror.Error
	for _, o := range r.Failed() {
		result = multierror.Append(result, fmt.Errorf("%s: %w", o.Database, o.Error))
	}
	return result.ErrorOrNil()
}
