package health

import "time"

// Check constructors for the replication control plane.

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// DuplicationCheck reports on the duplication tasks of a replica. A task
// stopped by an unrecoverable error (GC-truncated logs) makes the replica
// unhealthy; a large unshipped backlog degrades it.
func DuplicationCheck(state func() (tasks, fatal int, pending int64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "duplication",
			Details: make(map[string]any),
		}

		tasks, fatal, pending := state()

		check.Details["tasks"] = tasks
		check.Details["fatal"] = fatal
		check.Details["pending_mutations"] = pending

		if tasks == 0 {
			check.Status = StatusHealthy
			check.Message = "No duplication assigned"
		} else if fatal > 0 {
			check.Status = StatusUnhealthy
			check.Message = "Duplication stopped by unrecoverable error"
		} else if pending > 10000 {
			check.Status = StatusDegraded
			check.Message = "Large unshipped backlog"
		} else {
			check.Status = StatusHealthy
			check.Message = "Duplication healthy"
		}

		return check
	}
}

// PartitionServingCheck reports whether a partition is serving client
// requests. A negative partition version means every request is rejected,
// which is expected mid-split but makes the partition not ready.
func PartitionServingCheck(version func() int32) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "partition_serving",
			Details: make(map[string]any),
		}

		v := version()
		check.Details["partition_version"] = v

		if v < 0 {
			check.Status = StatusUnhealthy
			check.Message = "Rejecting all requests"
		} else {
			check.Status = StatusHealthy
			check.Message = "Serving"
		}

		return check
	}
}

// SplitCheck reports on an in-progress partition split.
func SplitCheck(state func() (splitting bool, childGpid string)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "partition_split",
			Details: make(map[string]any),
		}

		splitting, childGpid := state()
		check.Details["splitting"] = splitting
		check.Details["child_gpid"] = childGpid

		if splitting {
			check.Status = StatusDegraded
			check.Message = "Split in progress"
		} else {
			check.Status = StatusHealthy
			check.Message = "No split in progress"
		}

		return check
	}
}

// LogGCCheck warns when the private log cannot be reclaimed because a
// duplication task is holding it back.
func LogGCCheck(state func() (retainedDecrees int64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "private_log_gc",
			Details: make(map[string]any),
		}

		retained := state()
		check.Details["retained_decrees"] = retained

		if retained > 1000000 {
			check.Status = StatusDegraded
			check.Message = "Duplication holding back log GC"
		} else {
			check.Status = StatusHealthy
			check.Message = "Log GC unobstructed"
		}

		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		usagePercent := float64(alloc) / float64(sys) * 100

		if usagePercent > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}
