package notification

import "sync"

// Index is the in-memory subscription index the engine queries per event,
// keyed by parent-ri (or resource-ri for NET=1/2), so a lookup never scans
// the full subscription set.
type Index struct {
	mu       sync.RWMutex
	byParent map[string]map[string]*Subscription // parent-ri -> subscription-ri -> sub
	byTarget map[string]map[string]*Subscription // resource-ri -> subscription-ri -> sub (NET 1/2 subscribe on the resource itself)
}

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	return &Index{
		byParent: make(map[string]map[string]*Subscription),
		byTarget: make(map[string]map[string]*Subscription),
	}
}

// Put inserts or replaces a subscription in the index.
func (idx *Index) Put(sub *Subscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.remove(sub.RI)

	if bucket, ok := idx.byParent[sub.ParentRI]; ok {
		bucket[sub.RI] = sub
	} else {
		idx.byParent[sub.ParentRI] = map[string]*Subscription{sub.RI: sub}
	}

	if sub.HasEventType(NETUpdateOfResource) || sub.HasEventType(NETDeleteOfResource) {
		if bucket, ok := idx.byTarget[sub.ParentRI]; ok {
			bucket[sub.RI] = sub
		} else {
			idx.byTarget[sub.ParentRI] = map[string]*Subscription{sub.RI: sub}
		}
	}
}

// Remove deletes a subscription from the index by its ri.
func (idx *Index) Remove(ri string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.remove(ri)
}

func (idx *Index) remove(ri string) {
	for _, bucket := range idx.byParent {
		delete(bucket, ri)
	}
	for _, bucket := range idx.byTarget {
		delete(bucket, ri)
	}
}

// ByParent returns the subscriptions watching parentRI for child-level
// events (NET 3/4/5).
func (idx *Index) ByParent(parentRI string) []*Subscription {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return snapshot(idx.byParent[parentRI])
}

// ByTarget returns the subscriptions watching resourceRI itself for
// update/delete events (NET 1/2).
func (idx *Index) ByTarget(resourceRI string) []*Subscription {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return snapshot(idx.byTarget[resourceRI])
}

func snapshot(bucket map[string]*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(bucket))
	for _, sub := range bucket {
		out = append(out, sub)
	}
	return out
}
