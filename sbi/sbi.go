// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sbi implements reading and writing of the splitting index
// (.sbi) format: a flat, granularity-based index of virtual file
// pointers used to divide a BGZF data file into independently
// readable byte-range chunks, without the genomic bin structure a BAI
// index carries.
package sbi

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"io"
	"sort"

	"github.com/htsgo/hts/bgzf"
)

// Magic is the four byte signature at the start of every SBI file.
var Magic = [4]byte{'S', 'B', 'I', 0x1}

// MD5 is the digest of an indexed data file, or the zero value if the
// digest was not computed.
type MD5 [16]byte

// UUID identifies an indexed data file, or is the zero value if no
// identifier was assigned.
type UUID [16]byte

// ErrInvalidArgument is returned by Split when given a non-positive
// split size.
var ErrInvalidArgument = errors.New("sbi: split size must be positive")

// errBadMagic is returned by Read when the file does not begin with
// the SBI magic number.
var errBadMagic = errors.New("sbi: magic number mismatch")

// Index is an in-memory splitting index.
type Index struct {
	DataFileLength int64
	MD5            MD5
	UUID           UUID

	// TotalRecords is the number of records in the indexed file.
	TotalRecords uint64

	// Granularity is the record stride between consecutive indexed
	// VPs; every Granularity-th record's starting VP is recorded.
	Granularity uint64

	// VPs holds the starting virtual offset of every Granularity-th
	// record, in ascending order, plus a trailing end-of-data VP
	// equal to the position at which the next record would begin.
	VPs []bgzf.Offset
}

// Builder accumulates an Index while a caller scans a data file
// sequentially, observing the starting VP of each record in turn.
type Builder struct {
	granularity uint64
	n           uint64
	vps         []bgzf.Offset
}

// NewBuilder returns a Builder that emits every granularity-th
// record's VP. granularity must be at least 1.
func NewBuilder(granularity uint64) *Builder {
	if granularity == 0 {
		granularity = 1
	}
	return &Builder{granularity: granularity}
}

// Add records the starting VP of the next record in the scan.
func (b *Builder) Add(vp bgzf.Offset) {
	if b.n%b.granularity == 0 {
		b.vps = append(b.vps, vp)
	}
	b.n++
}

// Index returns the completed Index. end is the VP at which the next
// record (were there one) would begin, i.e. the end-of-data VP.
func (b *Builder) Index(dataFileLength int64, md5sum MD5, uuid UUID, end bgzf.Offset) *Index {
	vps := append(append([]bgzf.Offset(nil), b.vps...), end)
	return &Index{
		DataFileLength: dataFileLength,
		MD5:            md5sum,
		UUID:           uuid,
		TotalRecords:   b.n,
		Granularity:    b.granularity,
		VPs:            vps,
	}
}

// Write writes idx to w in the SBI wire format.
func Write(w io.Writer, idx *Index) error {
	if err := binary.Write(w, binary.LittleEndian, Magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.DataFileLength); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.MD5); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.UUID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.TotalRecords); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.Granularity); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(idx.VPs))); err != nil {
		return err
	}
	for _, vp := range idx.VPs {
		if err := binary.Write(w, binary.LittleEndian, bgzf.VOffset(vp)); err != nil {
			return err
		}
	}
	return nil
}

// Read reads an Index from r in the SBI wire format.
func Read(r io.Reader) (*Index, error) {
	var magic [4]byte
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, errBadMagic
	}
	idx := &Index{}
	if err := binary.Read(r, binary.LittleEndian, &idx.DataFileLength); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &idx.MD5); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &idx.UUID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &idx.TotalRecords); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &idx.Granularity); err != nil {
		return nil, err
	}
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	idx.VPs = make([]bgzf.Offset, n)
	for i := range idx.VPs {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		idx.VPs[i] = bgzf.OffsetFromUint64(v)
	}
	return idx, nil
}

// DigestFile computes the MD5 of the bytes readable from r, consuming
// it entirely.
func DigestFile(r io.Reader) (MD5, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return MD5{}, err
	}
	var sum MD5
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Split returns a list of (begin, end) VP chunks partitioning
// [0, idx.DataFileLength). Each candidate split point is a multiple of
// splitSize compressed bytes, as measured by the VPs' File component,
// rounded up to the first indexed VP at or after it, so a chunk can be
// larger than splitSize. Adjacent
// candidate split points that round up to the same indexed VP are
// merged into a single chunk boundary.
func Split(idx *Index, splitSize int64) ([]bgzf.Chunk, error) {
	if splitSize <= 0 {
		return nil, ErrInvalidArgument
	}
	if len(idx.VPs) == 0 {
		return nil, nil
	}

	var bounds []bgzf.Offset
	for next := int64(0); ; next += splitSize {
		i := sort.Search(len(idx.VPs), func(i int) bool {
			return idx.VPs[i].File >= next
		})
		if i == len(idx.VPs) {
			bounds = append(bounds, idx.VPs[len(idx.VPs)-1])
			break
		}
		if len(bounds) == 0 || bounds[len(bounds)-1] != idx.VPs[i] {
			bounds = append(bounds, idx.VPs[i])
		}
		if idx.VPs[i] == idx.VPs[len(idx.VPs)-1] {
			break
		}
	}

	chunks := make([]bgzf.Chunk, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		if bounds[i] == bounds[i+1] {
			continue
		}
		chunks = append(chunks, bgzf.Chunk{Begin: bounds[i], End: bounds[i+1]})
	}
	return chunks, nil
}
