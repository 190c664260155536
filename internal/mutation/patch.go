package mutation

import "decisiondesk/internal/cache"

// The helpers below build cache patches for list and single-value entries.
// They always return fresh slices so a snapshot taken earlier stays intact.

// Put stores v whether or not the key held anything.
func Put[T any](k cache.Key, v T) cache.Patch {
	return cache.Patch{Key: k, Apply: func(any, bool) (any, bool) { return v, true }}
}

// Edit rewrites a stored value. Absent or mistyped entries are left alone.
func Edit[T any](k cache.Key, fn func(T) T) cache.Patch {
	return cache.Patch{Key: k, Apply: func(prev any, present bool) (any, bool) {
		cur, ok := prev.(T)
		if !present || !ok {
			return nil, false
		}
		return fn(cur), true
	}}
}

// Append adds item to a list. An absent list becomes a one-item list.
func Append[T any](k cache.Key, item T) cache.Patch {
	return cache.Patch{Key: k, Apply: func(prev any, present bool) (any, bool) {
		cur, _ := prev.([]T)
		next := make([]T, 0, len(cur)+1)
		next = append(next, cur...)
		return append(next, item), true
	}}
}

// Prepend adds item at the head of a list.
func Prepend[T any](k cache.Key, item T) cache.Patch {
	return cache.Patch{Key: k, Apply: func(prev any, present bool) (any, bool) {
		cur, _ := prev.([]T)
		next := make([]T, 0, len(cur)+1)
		next = append(next, item)
		return append(next, cur...), true
	}}
}

// Map rewrites the list items match selects. Absent lists are left alone.
func Map[T any](k cache.Key, match func(T) bool, fn func(T) T) cache.Patch {
	return cache.Patch{Key: k, Apply: func(prev any, present bool) (any, bool) {
		cur, ok := prev.([]T)
		if !present || !ok {
			return nil, false
		}
		next := make([]T, len(cur))
		for i, item := range cur {
			if match(item) {
				item = fn(item)
			}
			next[i] = item
		}
		return next, true
	}}
}

// Remove drops the list items match selects. Absent lists are left alone.
func Remove[T any](k cache.Key, match func(T) bool) cache.Patch {
	return cache.Patch{Key: k, Apply: func(prev any, present bool) (any, bool) {
		cur, ok := prev.([]T)
		if !present || !ok {
			return nil, false
		}
		next := make([]T, 0, len(cur))
		for _, item := range cur {
			if !match(item) {
				next = append(next, item)
			}
		}
		return next, true
	}}
}
