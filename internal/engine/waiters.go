package engine

import (
	"maps"
	"slices"
)

// waiters maps a value id to every job waiting for it.
type waiters map[string]map[string]struct{}

func (w waiters) add(valueID, jobID string) {
	jobs, ok := w[valueID]
	if !ok {
		jobs = make(map[string]struct{})
		w[valueID] = jobs
	}
	jobs[jobID] = struct{}{}
}

// take removes and returns the jobs waiting for valueID, sorted.
func (w waiters) take(valueID string) []string {
	jobs, ok := w[valueID]
	if !ok {
		return nil
	}
	delete(w, valueID)
	return slices.Sorted(maps.Keys(jobs))
}

// remove drops jobID from the waiters of valueID.
func (w waiters) remove(valueID, jobID string) {
	jobs, ok := w[valueID]
	if !ok {
		return
	}
	delete(jobs, jobID)
	if len(jobs) == 0 {
		delete(w, valueID)
	}
}

func (w waiters) has(valueID string) bool {
	_, ok := w[valueID]
	return ok
}
