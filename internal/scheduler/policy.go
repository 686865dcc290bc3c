package scheduler

import "time"

// Action is the task shape chosen for a unit on a sync tick.
type Action string

const (
	// ActionIncremental submits a single-partition task for today.
	ActionIncremental Action = "incremental"
	// ActionBackfill submits the missing dates plus today.
	ActionBackfill Action = "backfill"
	// ActionSkip submits nothing; the gap is too large to auto-heal
	// and is alerted instead.
	ActionSkip Action = "skip"
)

// Decision is the outcome of the backfill policy for one unit.
type Decision struct {
	Action     Action
	Partitions []time.Time
}

// DecideBackfill is the smart backfill policy. Small gaps (up to
// threshold missing dates) are healed automatically by fetching the
// missing dates alongside today; larger gaps are refused, because a
// wide gap usually means an upstream problem that re-fetching would
// not fix. The function is pure: it never touches the registry, the
// engine, or the clock.
func DecideBackfill(missing []time.Time, today time.Time, threshold int) Decision {
	switch {
	case len(missing) == 0:
		return Decision{
			Action:     ActionIncremental,
			Partitions: []time.Time{today},
		}
	case len(missing) <= threshold:
		partitions := make([]time.Time, 0, len(missing)+1)
		partitions = append(partitions, missing...)
		partitions = append(partitions, today)
		return Decision{
			Action:     ActionBackfill,
			Partitions: partitions,
		}
	default:
		return Decision{Action: ActionSkip}
	}
}
