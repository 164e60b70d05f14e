// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exthash

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Entry holds a key and value.
type Entry[K comparable, V any] struct {
	key   K
	value V
}

// bucket is a small unordered collection of entries which is searched
// linearly. Every entry in a bucket agrees on the low localDepth bits of its
// hash. A bucket is referenced by 1<<(globalDepth-localDepth) directory slots.
//
// The bucket methods do not lock. Callers holding Map.mu exclusively have the
// bucket to themselves; callers holding Map.mu shared must hold bucket.mu.
type bucket[K comparable, V any] struct {
	// mu protects entries against concurrent access through different
	// directory slots that alias this bucket.
	mu sync.RWMutex
	// entries usually has room for capacity+1 elements, which covers the
	// entry that is inserted into a full bucket right before it is split.
	entries []Entry[K, V]
	// capacity is the number of entries at which the bucket is considered
	// full. It is the same for every bucket in a Map.
	capacity uint32
	// localDepth is the number of low bits of hash(key) shared by every entry
	// in the bucket. localDepth is never changed after the bucket is created;
	// a split produces two new buckets at localDepth+1.
	localDepth uint32
}

func newBucket[K comparable, V any](m *Map[K, V], localDepth uint32) *bucket[K, V] {
	return &bucket[K, V]{
		entries:    m.allocator.AllocEntries(int(m.bucketCapacity) + 1),
		capacity:   m.bucketCapacity,
		localDepth: localDepth,
	}
}

func (b *bucket[K, V]) isFull() bool {
	return uint32(len(b.entries)) >= b.capacity
}

func (b *bucket[K, V]) find(key K) (value V, ok bool) {
	for i := range b.entries {
		if b.entries[i].key == key {
			return b.entries[i].value, true
		}
	}
	return value, false
}

// update overwrites the value of key if it is present in the bucket.
func (b *bucket[K, V]) update(key K, value V) bool {
	for i := range b.entries {
		if b.entries[i].key == key {
			b.entries[i].value = value
			return true
		}
	}
	return false
}

// insert appends an entry without checking for an existing entry with the
// same key or for the bucket being full.
func (b *bucket[K, V]) insert(m *Map[K, V], key K, value V) {
	if len(b.entries) == cap(b.entries) {
		// Only reachable when a bucket holds more than capacity+1 entries:
		// a split that sent every entry to one child, or a bucket at the
		// depth limit.
		old := b.entries
		b.entries = append(m.allocator.AllocEntries(2*cap(old)), old...)
		m.allocator.FreeEntries(old)
	}
	b.entries = append(b.entries, Entry[K, V]{key: key, value: value})
}

func (b *bucket[K, V]) remove(key K) bool {
	for i := range b.entries {
		if b.entries[i].key == key {
			last := len(b.entries) - 1
			b.entries[i] = b.entries[last]
			b.entries[last] = Entry[K, V]{}
			b.entries = b.entries[:last]
			return true
		}
	}
	return false
}

// split divides the entries of b between two new buckets with a local depth
// of b.localDepth+1. Bit b.localDepth of an entry's hash, the bit that
// becomes significant at the new depth, selects the child: clear goes to b0
// and set goes to b1. The entries of b are released to the allocator and b
// must no longer be referenced by the directory once the children are
// installed.
func (b *bucket[K, V]) split(m *Map[K, V]) (b0, b1 *bucket[K, V]) {
	if invariants && b.localDepth >= m.maxDepth {
		panic(fmt.Sprintf("invariant failed: split of bucket at local-depth=%d exceeds max-depth=%d",
			b.localDepth, m.maxDepth))
	}

	depth := b.localDepth + 1
	b0 = newBucket(m, depth)
	b1 = newBucket(m, depth)

	bit := uintptr(1) << b.localDepth
	for i := range b.entries {
		e := &b.entries[i]
		if m.hash(&e.key, m.seed)&bit != 0 {
			b1.insert(m, e.key, e.value)
		} else {
			b0.insert(m, e.key, e.value)
		}
	}

	m.allocator.FreeEntries(b.entries)
	b.entries = nil
	return b0, b1
}

func (b *bucket[K, V]) close(allocator Allocator[K, V]) {
	if b.entries != nil {
		allocator.FreeEntries(b.entries)
		b.entries = nil
	}
}

// GoString implements the fmt.GoStringer interface which is used when
// formatting using the "%#v" format specifier.
func (b *bucket[K, V]) GoString() string {
	var buf strings.Builder
	b.goFormat(&buf)
	return buf.String()
}

func (b *bucket[K, V]) goFormat(w io.Writer) {
	fmt.Fprintf(w, "local-depth=%d  used=%d  capacity=%d\n", b.localDepth, len(b.entries), b.capacity)
	for i := range b.entries {
		fmt.Fprintf(w, "  %4d: %v=%v\n", i, b.entries[i].key, b.entries[i].value)
	}
}
