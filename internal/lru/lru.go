// Package lru implements the generic eviction-order container the cache
// engine builds its two block LRUs on top of. The engine keeps no fd
// cache.
//
// It is a doubly-linked list plus a hash index, giving O(1) front/back
// movement and O(1) lookup by key. Unlike a plain recency cache it never
// evicts on its own: callers walk from [List.Back] and decide, which is
// what lets the engine implement "second chances" (bring an entry back to
// the front instead of evicting it) and skip-while-holding-the-lock
// eviction passes.
package lru

import "container/list"

// entry is the payload stored in each list.Element.
type entry[K comparable, V any] struct {
	key K
	val V
}

// List is an ordered key/value container with O(1) membership lookup.
// The front is the most-recently-touched end; [List.Back] is the
// eviction candidate end. Not safe for concurrent use — callers
// serialize access with their own lock (the engine's cache mutex).
type List[K comparable, V any] struct {
	ll    *list.List
	index map[K]*list.Element
}

// New returns an empty List.
func New[K comparable, V any]() *List[K, V] {
	return &List[K, V]{
		ll:    list.New(),
		index: make(map[K]*list.Element),
	}
}

// Len reports the number of entries.
func (l *List[K, V]) Len() int {
	return l.ll.Len()
}

// Get returns the element for key, if present, without moving it.
func (l *List[K, V]) Get(key K) (*list.Element, bool) {
	e, ok := l.index[key]
	return e, ok
}

// Value extracts the stored value from an element.
func (l *List[K, V]) Value(e *list.Element) V {
	return e.Value.(entry[K, V]).val
}

// Key extracts the stored key from an element.
func (l *List[K, V]) Key(e *list.Element) K {
	return e.Value.(entry[K, V]).key
}

// SetValue replaces the value stored at e without changing its position.
func (l *List[K, V]) SetValue(e *list.Element, v V) {
	e.Value = entry[K, V]{key: l.Key(e), val: v}
}

// PushFront inserts key/val at the front. Panics if key is already present;
// callers must check [List.Get] first.
func (l *List[K, V]) PushFront(key K, val V) *list.Element {
	if _, ok := l.index[key]; ok {
		panic("lru: key already present")
	}

	e := l.ll.PushFront(entry[K, V]{key: key, val: val})
	l.index[key] = e

	return e
}

// MoveToFront moves e to the front of the list ("gives it another life").
func (l *List[K, V]) MoveToFront(e *list.Element) {
	l.ll.MoveToFront(e)
}

// Back returns the eviction-candidate end of the list, or nil if empty.
func (l *List[K, V]) Back() *list.Element {
	return l.ll.Back()
}

// Prev returns the element preceding e in eviction order.
func (l *List[K, V]) Prev(e *list.Element) *list.Element {
	return e.Prev()
}

// Remove deletes e from the list and the index.
func (l *List[K, V]) Remove(e *list.Element) {
	kv := e.Value.(entry[K, V])
	delete(l.index, kv.key)
	l.ll.Remove(e)
}

// CacheVal is the per-entry state tracked by the block LRUs (lru_cache,
// compressed_items): a dirty flag plus a second-chance counter.
type CacheVal struct {
	Dirty   bool
	Chances uint8 // 0-127; clamped by SetSecondChances
}

const maxChances = 127

// ClampChances clamps n to the representable second-chance range.
func ClampChances(n int) uint8 {
	if n < 0 {
		return 0
	}

	if n > maxChances {
		return maxChances
	}

	return uint8(n)
}
