// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf

import (
	"errors"
	"io"
	"runtime"
	"sync"

	"github.com/htsgo/hts/internal/pool"
	"github.com/klauspost/compress/gzip"
)

// Reader implements BGZF blocked decompressed reading. A Reader
// presents the concatenation of all block payloads in a BGZF stream
// as a single decompressed io.Reader, while also exposing the virtual
// file Offset of the data it is currently positioned at.
//
// Blocked, when true, limits Read to returning data from a single
// block per call, which is used by SetChunk-style callers that need
// to stop exactly at a chunk boundary (see the bgzf/index package).
type Reader struct {
	Header

	r io.Reader

	rd int // reserved for a future read-ahead depth; see NewReader.

	cache Cache

	block *block

	// chunk accumulates the virtual file span touched by reads
	// since the last call to Begin.
	chunk Chunk

	Blocked bool

	err error

	mu sync.Mutex
}

// NewReader returns a Reader reading BGZF blocks from r. Decompression
// is currently always synchronous with the caller's Read calls, one
// block at a time; rd only normalises a zero argument to GOMAXPROCS
// and is retained for API compatibility with a future read-ahead
// decompressor. The returned Reader should be closed after use to
// avoid leaking resources held by the underlying stream.
func NewReader(r io.Reader, rd int) (*Reader, error) {
	if rd == 0 {
		rd = runtime.GOMAXPROCS(0)
	}
	bg := &Reader{r: r, rd: rd}
	b, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	bg.Header = b.h
	bg.block = b
	bg.block.setBase(0)
	return bg, nil
}

// SetCache sets the cache used by the Reader to store recently used
// blocks. Passing a nil Cache disables caching.
func (bg *Reader) SetCache(c Cache) {
	bg.mu.Lock()
	bg.cache = c
	bg.mu.Unlock()
}

// BlockLen returns the number of decompressed bytes remaining in the
// block currently buffered by the Reader.
func (bg *Reader) BlockLen() int {
	if bg.block == nil {
		return 0
	}
	return bg.block.len()
}

// LastChunk returns the virtual file Chunk last recorded: each Read sets
// it to the span of that call, and End sets it to the span of the
// transaction since the matching Begin.
func (bg *Reader) LastChunk() Chunk {
	return bg.chunk
}

// tx represents an in-progress read transaction; calling End returns
// the Chunk read since the matching call to Begin.
type tx struct {
	r     *Reader
	begin Offset
}

// Begin marks the start of a read transaction, returning a tx whose
// End method reports the Chunk consumed between the call to Begin and
// the call to End.
func (bg *Reader) Begin() tx {
	return tx{r: bg, begin: bg.currentOffset()}
}

func (t tx) End() Chunk {
	c := Chunk{Begin: t.begin, End: t.r.currentOffset()}
	t.r.chunk = c
	return c
}

func (bg *Reader) currentOffset() Offset {
	if bg.block == nil {
		return Offset{}
	}
	return Offset{File: bg.block.base, Block: uint16(bg.block.off)}
}

// Seek moves the Reader to the block at off.File and then discards
// off.Block bytes of decompressed data from the start of that block.
func (bg *Reader) Seek(off Offset) error {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.block != nil && bg.block.base == off.File {
		// The requested block is already resident; no need to touch
		// the underlying stream or cache at all.
		bg.block.off = int(off.Block)
		bg.err = nil
		return nil
	}
	rs, ok := bg.r.(io.ReadSeeker)
	if !ok {
		return ErrNotASeeker
	}
	if bg.cache != nil {
		if b := bg.cache.Get(off.File); b != nil {
			bg.storeBlock(bg.block)
			bg.block = b.(*block)
			bg.block.off = int(off.Block)
			bg.err = nil
			return nil
		}
	}
	if _, err := rs.Seek(off.File, io.SeekStart); err != nil {
		return err
	}
	b, err := readBlock(bg.r)
	if err != nil {
		bg.err = err
		return err
	}
	b.setBase(off.File)
	bg.storeBlock(bg.block)
	b.off = int(off.Block)
	bg.block = b
	bg.err = nil
	return nil
}

func (bg *Reader) storeBlock(b *block) {
	if b == nil {
		return
	}
	if bg.cache == nil {
		pool.PutBuffer(b.data)
		return
	}
	b.off = 0
	bg.cache.Put(b)
}

// Read implements io.Reader. When Blocked is true, Read returns at
// most the bytes remaining in the current block, stopping there even
// if more data is available; this lets callers align reads to chunk
// boundaries without reading past them.
func (bg *Reader) Read(p []byte) (int, error) {
	if bg.err != nil {
		return 0, bg.err
	}
	start := bg.currentOffset()
	defer func() { bg.chunk = Chunk{Begin: start, End: bg.currentOffset()} }()
	var n int
	for n < len(p) {
		if bg.block.len() == 0 {
			if bg.Blocked && n > 0 {
				break
			}
			if err := bg.nextBlock(); err != nil {
				bg.err = err
				if n > 0 && err == io.EOF {
					return n, nil
				}
				return n, err
			}
			if bg.Blocked && n > 0 {
				break
			}
		}
		want := len(p) - n
		if bg.Blocked && want > bg.block.len() {
			want = bg.block.len()
		}
		_n, err := bg.block.Read(p[n : n+want])
		n += _n
		if err != nil && err != io.EOF {
			bg.err = err
			return n, err
		}
	}
	return n, nil
}

func (bg *Reader) nextBlock() error {
	next := bg.block.nextBase()
	bg.storeBlock(bg.block)
	if bg.cache != nil {
		if b := bg.cache.Get(next); b != nil {
			bg.block = b.(*block)
			return nil
		}
	}
	b, err := readBlock(bg.r)
	if err != nil {
		return err
	}
	b.setBase(next)
	bg.block = b
	return nil
}

// Close closes the Reader. The underlying io.Reader is also closed
// if it has a Close method.
func (bg *Reader) Close() error {
	type closer interface {
		Close() error
	}
	if c, ok := bg.r.(closer); ok {
		return c.Close()
	}
	return nil
}

// block holds the decompressed payload of a single BGZF member along
// with the header it was read from.
type block struct {
	base int64
	off  int
	used bool
	data []byte
	h    Header
}

func (b *block) Base() int64 { return b.base }

func (b *block) Used() bool { return b.used }

func (b *block) setBase(n int64) { b.base = n }

func (b *block) len() int { return len(b.data) - b.off }

func (b *block) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	if n > 0 {
		b.used = true
	}
	return n, nil
}

// nextBase returns the file offset immediately following this block,
// derived from the member size recorded in its header, or -1 if that
// size is unavailable.
func (b *block) nextBase() int64 {
	size := ExpectedMemberSize(b.h)
	if size < 0 {
		return -1
	}
	return b.base + int64(size)
}

// readBlock reads and inflates a single BGZF member from r.
func readBlock(r io.Reader) (*block, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrCorruptBlock
	}
	if ExpectedMemberSize(gz.Header) < 0 {
		return nil, ErrNoBlockSize
	}
	buf := &growBuffer{buf: pool.GetBuffer(BlockSize)[:0]}
	if _, err := io.Copy(buf, gz); err != nil {
		return nil, errors.New("bgzf: " + err.Error())
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &block{data: buf.buf, h: gz.Header}, nil
}

// growBuffer is a minimal io.Writer-backed growable byte slice, seeded
// from the internal/pool buffer pool to avoid a fresh allocation for
// every decompressed block.
type growBuffer struct {
	buf []byte
}

func (g *growBuffer) Write(p []byte) (int, error) {
	g.buf = append(g.buf, p...)
	return len(p), nil
}
