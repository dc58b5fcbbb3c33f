package model

// ContentInstanceRef is the minimal view of a ContentInstance the quota
// enforcer needs: enough to decide eviction order without depending on
// the storage layer.
type ContentInstanceRef struct {
	RI   string
	Size int
	CT   int64 // unix nanoseconds, for FIFO ordering
}

// EvictionPlan is the set of ContentInstance ri's that must be removed to
// bring a Container back within its quota, in the order they should be
// deleted (oldest first, per spec.md §3.3/§4.4).
type EvictionPlan struct {
	ToEvict []string
}

// PlanEviction computes which ContentInstances to evict from a Container
// after inserting a new one, applying mni (max instances) then mbs (max
// bytes) in that order (spec.md §4.4's container quota enforcement).
// mia (max age) is enforced separately by the periodic sweep, since it is
// time-based rather than triggered by insertion.
func PlanEviction(existing []ContentInstanceRef, mni, mbs int) EvictionPlan {
	ordered := make([]ContentInstanceRef, len(existing))
	copy(ordered, existing)
	sortByCreationAscending(ordered)

	var plan EvictionPlan

	if mni > 0 {
		for len(ordered) > mni {
			plan.ToEvict = append(plan.ToEvict, ordered[0].RI)
			ordered = ordered[1:]
		}
	}

	if mbs > 0 {
		total := totalSize(ordered)
		for total > mbs && len(ordered) > 0 {
			plan.ToEvict = append(plan.ToEvict, ordered[0].RI)
			total -= ordered[0].Size
			ordered = ordered[1:]
		}
	}

	return plan
}

// PlanAgeEviction returns the ri's of instances older than maxAgeSeconds,
// used by the periodic sweep to enforce mia (spec.md §4.4).
func PlanAgeEviction(existing []ContentInstanceRef, nowUnixNano int64, maxAgeSeconds int64) []string {
	if maxAgeSeconds <= 0 {
		return nil
	}
	cutoff := nowUnixNano - maxAgeSeconds*1e9
	var expired []string
	for _, ci := range existing {
		if ci.CT < cutoff {
			expired = append(expired, ci.RI)
		}
	}
	return expired
}

func totalSize(cis []ContentInstanceRef) int {
	total := 0
	for _, ci := range cis {
		total += ci.Size
	}
	return total
}

func sortByCreationAscending(cis []ContentInstanceRef) {
	// insertion sort: the slice is expected to be small (bounded by mni in
	// practice) and already nearly ordered, since ContentInstances are
	// appended in creation order.
	for i := 1; i < len(cis); i++ {
		for j := i; j > 0 && cis[j].CT < cis[j-1].CT; j-- {
			cis[j], cis[j-1] = cis[j-1], cis[j]
		}
	}
}
