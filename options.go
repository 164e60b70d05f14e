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

import "log/slog"

// Option provides an interface to do work on Map while it is being created.
type Option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The Map addresses its directory with the low-order bits of the hash, so the
// function must produce well distributed low bits. Keys whose hashes agree on
// many low bits double the directory once per bit until the WithMaxDepth
// bound is reached.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) Option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing the entry
// storage used by the buckets of a Map. The default allocator utilizes Go's
// builtin make() and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that entries be
// freed then Map.Close must be called in order to ensure FreeEntries is
// called for the buckets still referenced by the directory.
type Allocator[K comparable, V any] interface {
	// AllocEntries should return a slice equivalent to
	// make([]Entry[K,V], 0, n).
	AllocEntries(n int) []Entry[K, V]

	// FreeEntries can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocEntries.
	FreeEntries(v []Entry[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocEntries(n int) []Entry[K, V] {
	return make([]Entry[K, V], 0, n)
}

func (defaultAllocator[K, V]) FreeEntries(v []Entry[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type maxDepthOption[K comparable, V any] struct {
	depth int
}

func (op maxDepthOption[K, V]) apply(m *Map[K, V]) {
	m.maxDepth = uint32(max(1, min(op.depth, ptrBits)))
}

// WithMaxDepth is an option to bound the local depth of any bucket, and
// therefore the global depth of the directory, to depth bits. The default
// bound is the width of the hash. A full bucket which already has a local
// depth of depth accepts further entries beyond its capacity instead of
// splitting. Lowering the bound protects against a degenerate hash function
// doubling the directory on every insert.
func WithMaxDepth[K comparable, V any](depth int) Option[K, V] {
	return maxDepthOption[K, V]{depth}
}

type loggerOption[K comparable, V any] struct {
	logger *slog.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	if op.logger != nil {
		m.log = op.logger
	}
}

// WithLogger is an option to specify the logger a Map reports directory
// growth and capacity warnings to. Defaults to slog.Default().
func WithLogger[K comparable, V any](logger *slog.Logger) Option[K, V] {
	return loggerOption[K, V]{logger}
}
