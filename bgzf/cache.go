// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf

// Cache is a Block caching type. Basic cache implementations are
// provided in the bgzf/cache package.
//
// If a Cache is a Wrapper, its Wrap method is called on newly created
// blocks.
type Cache interface {
	// Get returns the Block in the Cache with the specified base
	// offset, or nil if it does not exist. Whether the returned
	// Block is removed from the Cache depends on the implementation.
	Get(base int64) Block

	// Put inserts a Block into the Cache, returning the Block that
	// was evicted, if any, and whether the inserted Block was
	// retained by the Cache.
	Put(Block) (evicted Block, retained bool)
}

// Wrapper defines Cache types that need to modify a Block at its
// creation.
type Wrapper interface {
	Wrap(Block) Block
}

// Block is the unit of caching: the decompressed payload of a single
// BGZF member together with the file offset it was read from.
type Block interface {
	// Base returns the file offset of the start of the gzip member
	// from which the Block was decompressed.
	Base() int64

	// Used returns whether any bytes have been read from the Block.
	Used() bool

	// NextBase returns the file offset of the gzip member that
	// follows the one the Block was decompressed from.
	NextBase() int64
}

var _ Block = (*block)(nil)

func (b *block) NextBase() int64 { return b.nextBase() }
