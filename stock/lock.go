package stock

import (
	"context"
	"sort"
)

// Locker serializes writers per (item, warehouse) pair so a balance read
// by the Validator cannot be consumed by another entry before commit.
// Acquire must take keys in the order given; callers pass LockKeys output,
// which is sorted, so two entries never wait on each other in a cycle.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// LockKeys returns the sorted, de-duplicated lock keys for the pairs.
func LockKeys(pairs []Pair) []string {
	seen := make(map[string]bool, len(pairs))
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		k := "stock:" + string(p.Item) + ":" + string(p.Warehouse)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
