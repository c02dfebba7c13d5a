package scheduler

import (
	"context"

	"scriptflow/core/models"
	"scriptflow/pkg/apperr"
)

// chainDepthLimit bounds the transitive walk so a pathological graph
// cannot stall link validation.
const chainDepthLimit = 64

// ValidateLink rejects a conditional link from → target when accepting
// it would let an event trigger itself, directly or transitively. The
// check walks the existing conditional graph starting at target: if any
// path leads back to from, the new edge closes a cycle.
func ValidateLink(ctx context.Context, events EventSource, fromEventID, targetEventID string) error {
	if fromEventID == targetEventID {
		return apperr.Validation("event %s cannot conditionally trigger itself", fromEventID)
	}

	visited := map[string]bool{}
	frontier := []string{targetEventID}

	for depth := 0; depth < chainDepthLimit && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			if visited[id] {
				continue
			}
			visited[id] = true

			event, err := events.Get(ctx, id)
			if err != nil {
				if apperr.IsType(err, apperr.TypeNotFound) {
					return apperr.Validation("conditional target event %s does not exist", id)
				}
				return err
			}
			for _, cond := range event.Conditionals {
				if cond.TargetEventID == fromEventID {
					return apperr.Validation("conditional link %s -> %s would create a cycle", fromEventID, targetEventID)
				}
				if !visited[cond.TargetEventID] {
					next = append(next, cond.TargetEventID)
				}
			}
		}
		frontier = next
	}

	return nil
}

// conditionMatches decides whether a conditional action fires for a
// job's terminal status. on_failure covers every unsuccessful outcome;
// always covers everything except cancellation; on_condition consults
// the branch flag the script set through the bridge.
func conditionMatches(when models.ConditionKind, status models.JobStatus, conditionMet *bool) bool {
	switch when {
	case models.ConditionOnSuccess:
		return status == models.JobStatusCompleted
	case models.ConditionOnFailure:
		return status == models.JobStatusFailed || status == models.JobStatusTimeout || status == models.JobStatusPartial
	case models.ConditionAlways:
		return status != models.JobStatusCancelled
	case models.ConditionOnCondition:
		return conditionMet != nil && *conditionMet
	}
	return false
}
