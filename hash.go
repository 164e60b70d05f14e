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
	"hash/maphash"
	"math/rand/v2"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// ptrBits is the width of a hash value in bits (32 or 64). A bucket's local
// depth can never usefully exceed it.
const ptrBits = 32 << (^uintptr(0) >> 63)

// hashFn computes the hash of *key. Only the low-order bits of the result are
// used for addressing, so a hash function must mix entropy into the low bits.
type hashFn[K comparable] func(key *K, seed uintptr) uintptr

// defaultHasher returns the hash function used when no WithHash option is
// supplied.
//
// Integer keys hash to their own value. Page and object identifiers are
// usually dense integers, and the identity hash spreads them evenly across
// the low-order bits that select a directory slot. Identifiers that are all
// multiples of a large power of two share their low bits, and every insert
// of such a key splits and doubles the directory; use WithMaxDepth or a
// mixing hash via WithHash for such keys. String keys are hashed
// with xxhash. Every other comparable type uses the runtime's hash via
// maphash.Comparable with a seed private to the map.
func defaultHasher[K comparable]() hashFn[K] {
	switch reflect.TypeFor[K]().Kind() {
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return func(key *K, _ uintptr) uintptr {
			return *(*uintptr)(unsafe.Pointer(key))
		}
	case reflect.Int64, reflect.Uint64:
		if ptrBits == 32 {
			return func(key *K, _ uintptr) uintptr {
				v := *(*uint64)(unsafe.Pointer(key))
				return uintptr(v) ^ uintptr(v>>32)
			}
		}
		return func(key *K, _ uintptr) uintptr {
			return uintptr(*(*uint64)(unsafe.Pointer(key)))
		}
	case reflect.Int32:
		return func(key *K, _ uintptr) uintptr {
			return uintptr(*(*int32)(unsafe.Pointer(key)))
		}
	case reflect.Uint32:
		return func(key *K, _ uintptr) uintptr {
			return uintptr(*(*uint32)(unsafe.Pointer(key)))
		}
	case reflect.Int16:
		return func(key *K, _ uintptr) uintptr {
			return uintptr(*(*int16)(unsafe.Pointer(key)))
		}
	case reflect.Uint16:
		return func(key *K, _ uintptr) uintptr {
			return uintptr(*(*uint16)(unsafe.Pointer(key)))
		}
	case reflect.Int8:
		return func(key *K, _ uintptr) uintptr {
			return uintptr(*(*int8)(unsafe.Pointer(key)))
		}
	case reflect.Uint8:
		return func(key *K, _ uintptr) uintptr {
			return uintptr(*(*uint8)(unsafe.Pointer(key)))
		}
	case reflect.String:
		return func(key *K, _ uintptr) uintptr {
			return uintptr(xxhash.Sum64String(*(*string)(unsafe.Pointer(key))))
		}
	default:
		seed := maphash.MakeSeed()
		return func(key *K, _ uintptr) uintptr {
			return uintptr(maphash.Comparable(seed, *key))
		}
	}
}

func fastrand64() uint64 {
	return rand.Uint64()
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
