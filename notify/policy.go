package notify

import (
	"slices"

	"github.com/netresearch/fleetcron/core"
)

// statusTriggered maps a terminal run status to the policy trigger flags.
// Cancelled runs notify through the failure trigger.
func statusTriggered(p *core.NotificationPolicy, status string) bool {
	switch status {
	case core.StatusSuccess:
		return p.OnSuccess
	case core.StatusFailure, core.StatusCancelled:
		return p.OnFailure
	case core.StatusTimeout:
		return p.OnTimeout
	}
	return false
}

// Matches evaluates a policy against a completed run. All conditions must
// hold; empty filter lists match everything.
func Matches(p *core.NotificationPolicy, rc *RunContext) bool {
	if !statusTriggered(p, rc.Run.Status) {
		return false
	}
	if rc.Severity < p.MinSeverity {
		return false
	}

	if len(p.JobTypeFilter) > 0 && !slices.Contains(p.JobTypeFilter, rc.JobType) {
		return false
	}
	if len(p.ServerFilter) > 0 && !slices.Contains(p.ServerFilter, rc.Server.ID) {
		return false
	}
	if len(p.TagFilter) > 0 {
		matched := false
		for _, tag := range rc.Tags {
			if slices.Contains(p.TagFilter, tag) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
