// Package memtable holds the ordered write buffer of an open transaction.
// Mutations are buffered here, read back by the transaction itself and
// drained in key order at commit.
package memtable

import (
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list
type SkipListNode[V any] struct {
	Key     string
	Value   V
	Forward []*SkipListNode[V]
}

// SkipList is an ordered map from string keys to V. It is not safe for
// concurrent use; a transaction buffer is owned by a single writer.
type SkipList[V any] struct {
	Head  *SkipListNode[V]
	Level int
	Size  int
}

// NewSkipList creates a new skip list
func NewSkipList[V any]() *SkipList[V] {
	head := &SkipListNode[V]{
		Forward: make([]*SkipListNode[V], MaxLevel),
	}
	return &SkipList[V]{
		Head:  head,
		Level: 0,
	}
}

// randomLevel generates a random level for a new node
func (sl *SkipList[V]) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node before key on every level.
func (sl *SkipList[V]) findPredecessors(key string, update []*SkipListNode[V]) *SkipListNode[V] {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.Forward[0]
}

// Insert adds or replaces the value stored under key.
func (sl *SkipList[V]) Insert(key string, value V) {
	update := make([]*SkipListNode[V], MaxLevel)
	current := sl.findPredecessors(key, update)
	if current != nil && current.Key == key {
		current.Value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.Level {
		for i := sl.Level + 1; i <= newLevel; i++ {
			update[i] = sl.Head
		}
		sl.Level = newLevel
	}

	node := &SkipListNode[V]{
		Key:     key,
		Value:   value,
		Forward: make([]*SkipListNode[V], newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		node.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = node
	}
	sl.Size++
}

// Search finds a value by key
func (sl *SkipList[V]) Search(key string) (V, bool) {
	current := sl.findPredecessors(key, nil)
	if current != nil && current.Key == key {
		return current.Value, true
	}
	var zero V
	return zero, false
}

// Delete removes a key from the skip list
func (sl *SkipList[V]) Delete(key string) bool {
	update := make([]*SkipListNode[V], MaxLevel)
	current := sl.findPredecessors(key, update)
	if current == nil || current.Key != key {
		return false
	}

	for i := 0; i <= sl.Level; i++ {
		if update[i].Forward[i] != current {
			break
		}
		update[i].Forward[i] = current.Forward[i]
	}
	for sl.Level > 0 && sl.Head.Forward[sl.Level] == nil {
		sl.Level--
	}
	sl.Size--
	return true
}

// Len returns the number of elements in the skip list
func (sl *SkipList[V]) Len() int {
	return sl.Size
}

// Range calls fn for every entry with from <= key < to, in key order, until fn
// returns false. An empty to means no upper bound.
func (sl *SkipList[V]) Range(from, to string, fn func(key string, value V) bool) {
	for n := sl.findPredecessors(from, nil); n != nil; n = n.Forward[0] {
		if to != "" && n.Key >= to {
			return
		}
		if !fn(n.Key, n.Value) {
			return
		}
	}
}

// Reset drops every entry.
func (sl *SkipList[V]) Reset() {
	for i := range sl.Head.Forward {
		sl.Head.Forward[i] = nil
	}
	sl.Level = 0
	sl.Size = 0
}

// Iterator returns a new skip list iterator
func (sl *SkipList[V]) Iterator() *SkipListIterator[V] {
	return &SkipListIterator[V]{
		current: sl.Head,
	}
}

// SkipListIterator iterates over skip list entries
type SkipListIterator[V any] struct {
	current *SkipListNode[V]
}

// Next moves to the next element
func (it *SkipListIterator[V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *SkipListIterator[V]) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.Key
}

// Value returns the current value
func (it *SkipListIterator[V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.Value
}
