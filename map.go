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

// Package exthash is a goroutine-safe, in-memory hash index built on
// extendible hashing (https://en.wikipedia.org/wiki/Extendible_hashing). It is
// intended as the lookup structure of a page or object cache, mapping an
// identifier to the location of the cached item, where entries are added and
// removed continuously and the table must absorb growth without ever
// rehashing all of its entries at once.
//
// # Extendible Hashing
//
// There is a top-level directory containing slots pointing to buckets. Each
// bucket holds at most a fixed number of entries (the bucket capacity given
// to New) which are searched linearly.
//
// Map.globalDepth specifies the number of low bits of hash(key) that are used
// to select a directory slot, so the directory has 1<<globalDepth slots.
// bucket.localDepth specifies the number of low bits of hash(key) shared by
// every entry in the bucket. localDepth <= globalDepth. When localDepth <
// globalDepth, 1<<(globalDepth-localDepth) slots point to the same bucket.
//
//	 dir (globalDepth=2)
//	+----+
//	| 00 | --> dir[0] \
//	+----+             +--> bucket[localDepth=1]  (hash ends in 0)
//	| 10 | --> dir[2] /
//	+----+
//	| 01 | --> dir[1] ----> bucket[localDepth=2]  (hash ends in 01)
//	+----+
//	| 11 | --> dir[3] ----> bucket[localDepth=2]  (hash ends in 11)
//	+----+
//
// The diagram above shows a possible directory state when the globalDepth is
// 2. Because the directory is addressed by the low bits of the hash, the
// slots sharing a bucket are not adjacent: dir[0] and dir[2] differ only in
// bit 1, which the bucket does not use.
//
// When an insert finds its bucket full, the entry is added anyway and the
// bucket is split in two at localDepth+1. The bit of hash(key) that becomes
// significant at the new depth decides which of the two new buckets an entry
// moves to. If the new local depth is less than or equal to the global depth
// the new buckets are installed in the slots that pointed to the old bucket.
// If it is greater, the global depth is incremented and the directory is
// doubled by appending a copy of itself: with low-bit addressing slot i and
// slot i+len(dir) must point to the same bucket, so doubling never moves an
// entry. The two slots for the split bucket are then overwritten. In the
// diagram above, consider what happens if the bucket at dir[3] is split:
//
//	 dir (globalDepth=3)
//	+-----+
//	| 000 | --> dir[0] \
//	| 010 | --> dir[2]  \
//	| 100 | --> dir[4]   +--> bucket[localDepth=1]
//	| 110 | --> dir[6]  /
//	+-----+
//	| 001 | --> dir[1] \
//	| 101 | --> dir[5] +----> bucket[localDepth=2]
//	+-----+
//	| 011 | --> dir[3] ------> bucket[localDepth=3]
//	+-----+
//	| 111 | --> dir[7] ------> bucket[localDepth=3]
//	+-----+
//
// An insert performs at most one split and at most one doubling. If every
// entry of a split lands in the same new bucket, that bucket stays over
// capacity until the next insert routed to it splits it again. Buckets are
// never merged and the directory never shrinks.
//
// # Concurrency
//
// A Map is goroutine-safe. Find, Remove and inserts that do not split hold
// the directory lock shared plus a lock on the bucket they touch. Splitting
// and directory growth hold the directory lock exclusively, so a lookup
// always sees a directory of a single consistent size.
package exthash

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Map is an unordered map from keys to values with Insert, Find, Remove, and
// All operations, implemented with extendible hashing. By default, integer
// keys hash to their own value, string keys are hashed with xxhash and other
// keys use the Go runtime's hash function, though a different hash function
// can be specified using the WithHash option.
//
// A Map is goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function for keys of type K. Only the low-order bits of the
	// hash are used to address the directory.
	hash hashFn[K]
	seed uintptr
	// The allocator to use for bucket entries.
	allocator Allocator[K, V]
	log       *slog.Logger

	// mu protects the directory: dir, globalDepth and the counters below.
	// Held shared by lookups and by inserts and removes that stay within a
	// bucket, and exclusively while splitting a bucket or growing dir.
	mu sync.RWMutex
	_  cpu.CacheLinePad

	// The directory of buckets, 1<<globalDepth in length.
	dir []*bucket[K, V]
	// globalDepth is the number of low bits of a hash value used to generate
	// an index into dir. It starts at 1 and only increases.
	globalDepth uint32
	// The maximum number of entries a bucket holds before it is split.
	bucketCapacity uint32
	// The bound on any bucket's localDepth, and therefore on globalDepth.
	maxDepth uint32
	// The number of distinct buckets referenced by dir.
	numBuckets int
	splits     uint64
	doublings  uint64
	// Set once the depth limit has been reported.
	warnedMaxDepth bool
	// The number of entries across all buckets. Updated under a shared lock,
	// hence atomic.
	used atomic.Int64
}

// Stats is a point in time view of a Map's shape.
type Stats struct {
	// GlobalDepth is the number of hash bits used to index the directory.
	GlobalDepth int
	// Buckets is the number of distinct buckets.
	Buckets int
	// Entries is the number of entries in the map.
	Entries int
	// Splits is the number of bucket splits since the map was created.
	Splits uint64
	// Doublings is the number of times the directory has doubled.
	Doublings uint64
	// Capacity is the per-bucket entry capacity.
	Capacity int
}

// New constructs a new Map whose buckets each hold up to bucketCapacity
// entries. A bucketCapacity less than 1 is treated as 1. The map starts with
// a global depth of 1 and two empty buckets. The zero value for a Map is not
// usable.
//
// Integer keys hash to their own value by default. Keys that are aligned to a
// large power of two, such as page ids that are all multiples of 1<<24, share
// their low bits and double the directory on every split until the depth
// limit, which defaults to the hash width. Bound the directory with
// WithMaxDepth or supply a mixing hash with WithHash for such keys.
func New[K comparable, V any](bucketCapacity int, options ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:        defaultHasher[K](),
		seed:        uintptr(fastrand64()),
		allocator:   defaultAllocator[K, V]{},
		log:         slog.Default().With("system", "exthash"),
		globalDepth: 1,
		maxDepth:    ptrBits,
	}

	for _, op := range options {
		op.apply(m)
	}

	if bucketCapacity < 1 {
		m.log.Warn("bucket capacity must be positive, using 1", "capacity", bucketCapacity)
		bucketCapacity = 1
	}
	m.bucketCapacity = uint32(min(bucketCapacity, math.MaxInt32))

	m.dir = []*bucket[K, V]{newBucket(m, 1), newBucket(m, 1)}
	m.numBuckets = 2

	m.checkInvariants()
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allocator == nil {
		return
	}
	m.buckets(func(b *bucket[K, V]) bool {
		b.close(m.allocator)
		return true
	})
	m.allocator = nil
}

// Find retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Find(key K) (value V, ok bool) {
	h := m.hash((*K)(noescape(unsafe.Pointer(&key))), m.seed)

	m.mu.RLock()
	b := m.dir[m.index(h)]
	b.mu.RLock()
	value, ok = b.find(key)
	b.mu.RUnlock()
	m.mu.RUnlock()
	return value, ok
}

// Insert inserts an entry into the map, overwriting the existing value if an
// entry with the same key already exists. Insert never fails: if the bucket
// the key maps to is full it is split, doubling the directory if the split
// requires another hash bit.
func (m *Map[K, V]) Insert(key K, value V) {
	h := m.hash((*K)(noescape(unsafe.Pointer(&key))), m.seed)

	// Most inserts overwrite an existing entry or land in a bucket with room
	// to spare and only need the directory lock shared.
	m.mu.RLock()
	b := m.dir[m.index(h)]
	b.mu.Lock()
	done := b.update(key, value)
	if !done && !b.isFull() {
		b.insert(m, key, value)
		m.used.Add(1)
		done = true
	}
	b.mu.Unlock()
	m.mu.RUnlock()
	if done {
		return
	}

	// The bucket is full. Splitting rewrites the directory which requires the
	// lock exclusively. The directory may change between releasing the shared
	// lock and acquiring the exclusive one, so insertLocked starts over.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(h, key, value)
}

// insertLocked inserts an entry into the map, splitting the target bucket if
// it is full. m.mu must be held exclusively.
func (m *Map[K, V]) insertLocked(h uintptr, key K, value V) {
	addr := m.index(h)
	b := m.dir[addr]
	if b.update(key, value) {
		return
	}

	// The entry is added before splitting so that the split redistributes it
	// along with the existing entries.
	full := b.isFull()
	b.insert(m, key, value)
	m.used.Add(1)
	if !full {
		return
	}

	if b.localDepth >= m.maxDepth {
		// Every entry in b shares maxDepth low hash bits; splitting cannot
		// separate them. Let the bucket grow past its capacity instead.
		if !m.warnedMaxDepth {
			m.warnedMaxDepth = true
			m.log.Warn("bucket at maximum depth is over capacity",
				"max_depth", m.maxDepth, "capacity", m.bucketCapacity, "used", len(b.entries))
		}
		return
	}

	b0, b1 := b.split(m)
	m.numBuckets++
	m.splits++

	if b0.localDepth > m.globalDepth {
		// b was referenced by the single slot addr. After doubling it is
		// referenced by addr and addr+len(dir)/2, which become b0 and b1.
		m.growDirectory()
		m.dir[addr] = b0
		m.dir[addr|uintptr(1)<<(m.globalDepth-1)] = b1
	} else {
		m.installSplit(addr, b0, b1)
	}

	m.checkInvariants()
}

// installSplit repoints the slots that referenced the bucket at slot addr to
// the two buckets it was split into. The old bucket had a local depth of
// b0.localDepth-1 and was referenced by every slot sharing those low bits of
// addr. Of those slots, the ones with bit b0.localDepth-1 set get b1 and the
// rest get b0.
func (m *Map[K, V]) installSplit(addr uintptr, b0, b1 *bucket[K, V]) {
	topBit := uintptr(1) << (b0.localDepth - 1)
	mask := topBit - 1
	for i, n := addr&mask, uintptr(len(m.dir)); i < n; i += topBit {
		if i&topBit != 0 {
			m.dir[i] = b1
		} else {
			m.dir[i] = b0
		}
	}
}

// growDirectory doubles the directory by appending a copy of the existing
// slots, then increments the global depth. Slot i and slot i+len(dir) of the
// new directory reference the bucket slot i referenced before.
func (m *Map[K, V]) growDirectory() {
	if invariants && m.globalDepth >= m.maxDepth {
		panic(fmt.Sprintf("invariant failed: growing directory beyond max-depth=%d", m.maxDepth))
	}

	n := len(m.dir)
	newDir := make([]*bucket[K, V], 2*n)
	copy(newDir, m.dir)
	copy(newDir[n:], m.dir)
	m.dir = newDir
	m.globalDepth++
	m.doublings++

	m.log.Debug("directory doubled",
		"global_depth", m.globalDepth, "slots", len(m.dir), "buckets", m.numBuckets)
}

// Remove deletes the entry corresponding to the specified key from the map,
// returning false if the key was not present. Buckets are never merged, so
// the global depth and the bucket count are unaffected.
func (m *Map[K, V]) Remove(key K) bool {
	h := m.hash((*K)(noescape(unsafe.Pointer(&key))), m.seed)

	m.mu.RLock()
	b := m.dir[m.index(h)]
	b.mu.Lock()
	ok := b.remove(key)
	if ok {
		m.used.Add(-1)
	}
	b.mu.Unlock()
	m.mu.RUnlock()
	return ok
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. All takes a snapshot of the entries
// before iterating, so the map can be mutated during iteration, though the
// mutations will not be visible to the iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	m.mu.RLock()
	entries := make([]Entry[K, V], 0, m.used.Load())
	m.buckets(func(b *bucket[K, V]) bool {
		b.mu.RLock()
		entries = append(entries, b.entries...)
		b.mu.RUnlock()
		return true
	})
	m.mu.RUnlock()

	for i := range entries {
		if !yield(entries[i].key, entries[i].value) {
			return
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return int(m.used.Load())
}

// GlobalDepth returns the number of low bits of the hash used to index the
// directory.
func (m *Map[K, V]) GlobalDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.globalDepth)
}

// LocalDepth returns the local depth of the bucket referenced by directory
// slot i. It panics if i is not in [0, 1<<GlobalDepth()).
func (m *Map[K, V]) LocalDepth(i int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.dir[i].localDepth)
}

// NumBuckets returns the number of distinct buckets referenced by the
// directory.
func (m *Map[K, V]) NumBuckets() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numBuckets
}

// Stats returns a snapshot of the map's depth, bucket and entry counts.
func (m *Map[K, V]) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		GlobalDepth: int(m.globalDepth),
		Buckets:     m.numBuckets,
		Entries:     int(m.used.Load()),
		Splits:      m.splits,
		Doublings:   m.doublings,
		Capacity:    int(m.bucketCapacity),
	}
}

// GoString implements the fmt.GoStringer interface which is used when
// formatting using the "%#v" format specifier.
func (m *Map[K, V]) GoString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf strings.Builder
	fmt.Fprintf(&buf, "used=%d  global-depth=%d  bucket-count=%d\n", m.used.Load(), m.globalDepth, m.numBuckets)
	for i, b := range m.dir {
		if !canonicalSlot(uintptr(i), b) {
			continue
		}
		fmt.Fprintf(&buf, "bucket %d (%p): ", i, b)
		b.mu.RLock()
		b.goFormat(&buf)
		b.mu.RUnlock()
	}
	return buf.String()
}

// index returns the directory slot for hash value h.
func (m *Map[K, V]) index(h uintptr) uintptr {
	return h & (uintptr(1)<<m.globalDepth - 1)
}

// buckets calls yield sequentially for each distinct bucket in the map. If
// yield returns false, iteration stops. m.mu must be held.
func (m *Map[K, V]) buckets(yield func(b *bucket[K, V]) bool) {
	for i, b := range m.dir {
		if !canonicalSlot(uintptr(i), b) {
			continue
		}
		if !yield(b) {
			return
		}
	}
}

// canonicalSlot returns true if i is the lowest directory slot referencing b.
// The slots referencing b share the low b.localDepth bits, so exactly one of
// them has no higher bits set.
func canonicalSlot[K comparable, V any](i uintptr, b *bucket[K, V]) bool {
	return i < uintptr(1)<<b.localDepth
}

// checkInvariants verifies the internal consistency of the map's structure,
// panicking if it is violated. It is a noop unless built with the invariants
// tag. m.mu must be held exclusively.
func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.verify(); err != nil {
			panic(fmt.Sprintf("invariant failed: %v\n%s", err, m.debugString()))
		}
	}
}

// verify checks the directory and every bucket:
//
//   - the directory has 1<<globalDepth slots
//   - every bucket has 1 <= localDepth <= globalDepth
//   - every bucket is referenced by exactly 1<<(globalDepth-localDepth)
//     slots, all of which agree on the low localDepth bits
//   - the low localDepth bits of every entry's hash match those slots
//   - keys are unique and the entry and bucket counts are accurate
//
// m.mu must be held exclusively, or the map must otherwise be quiescent.
func (m *Map[K, V]) verify() error {
	if n := uintptr(1) << m.globalDepth; uintptr(len(m.dir)) != n {
		return fmt.Errorf("directory has %d slots, expected %d at global-depth=%d",
			len(m.dir), n, m.globalDepth)
	}

	refs := make(map[*bucket[K, V]]int)
	var used int64
	for i, b := range m.dir {
		if b == nil {
			return fmt.Errorf("dir[%d]: nil bucket", i)
		}
		if b.localDepth < 1 || b.localDepth > m.globalDepth {
			return fmt.Errorf("dir[%d]: local-depth=%d outside [1, global-depth=%d]",
				i, b.localDepth, m.globalDepth)
		}
		refs[b]++

		mask := uintptr(1)<<b.localDepth - 1
		canonical := uintptr(i) & mask
		if m.dir[canonical] != b {
			return fmt.Errorf("dir[%d]: bucket %p is not referenced by dir[%d]", i, b, canonical)
		}
		if uintptr(i) != canonical {
			continue
		}

		seen := make(map[K]struct{}, len(b.entries))
		for j := range b.entries {
			e := &b.entries[j]
			if _, ok := seen[e.key]; ok {
				return fmt.Errorf("dir[%d]: duplicate key %v", i, e.key)
			}
			seen[e.key] = struct{}{}
			if h := m.hash(&e.key, m.seed); h&mask != canonical {
				return fmt.Errorf("dir[%d]: key %v with hash %#x does not match low %d bits of slot",
					i, e.key, h, b.localDepth)
			}
		}
		used += int64(len(b.entries))
	}

	for b, n := range refs {
		if expected := 1 << (m.globalDepth - b.localDepth); n != expected {
			return fmt.Errorf("bucket %p: local-depth=%d referenced by %d slots, expected %d",
				b, b.localDepth, n, expected)
		}
	}
	if len(refs) != m.numBuckets {
		return fmt.Errorf("found %d buckets, but bucket count is %d", len(refs), m.numBuckets)
	}
	if used != m.used.Load() {
		return fmt.Errorf("found %d entries, but used count is %d", used, m.used.Load())
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "used=%d  global-depth=%d  bucket-count=%d\n", m.used.Load(), m.globalDepth, m.numBuckets)
	for i, b := range m.dir {
		if b == nil {
			fmt.Fprintf(&buf, "  dir[%d]: nil\n", i)
			continue
		}
		fmt.Fprintf(&buf, "  dir[%d] (%p): ", i, b)
		b.goFormat(&buf)
	}
	return buf.String()
}
