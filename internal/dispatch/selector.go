package dispatch

import (
	"taskfleet/internal/domain"
)

// SelectWorker picks the worker to run a task for the given group, or
// reports that none qualifies. Candidates must serve the group (an empty
// group means no constraint: every worker serves it) and have spare
// capacity; ties break toward the least loaded worker, then the lowest
// identifier so repeated ticks stay deterministic.
func SelectWorker(workers []domain.Worker, group string) (domain.Worker, bool) {
	var best domain.Worker
	found := false
	for _, w := range workers {
		if w.Status != domain.WorkerOnline {
			continue
		}
		if group != "" && !w.Groups.Contains(group) {
			continue
		}
		if w.CurrentWip >= w.MaxWip {
			continue
		}
		if !found || w.CurrentWip < best.CurrentWip || (w.CurrentWip == best.CurrentWip && w.ID < best.ID) {
			best = w
			found = true
		}
	}
	return best, found
}
