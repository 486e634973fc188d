// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bgzf implements BGZF, a compressed file format with fast
// random access. The format is valid gzip and is fully backward
// compatible with that format, while adding the ability to seek to a
// byte offset within the logical decompressed stream.
//
// A BGZF stream is a concatenation of independently inflatable gzip
// members, each carrying an Extra subfield that records its own
// compressed size. This self-describing block structure is what
// allows the virtual file Offset addressing scheme: a (block address,
// within-block offset) pair that can be compared and ordered without
// decompressing the whole stream.
//
// The format is described in the SAM specification, section 4.1:
// https://samtools.github.io/hts-specs/SAMv1.pdf
package bgzf

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// BlockSize is the maximum size of the uncompressed payload held
	// by a single BGZF block.
	BlockSize = 0xff00

	// MaxBlockSize is the maximum size of a compressed BGZF block,
	// including the gzip member header and footer.
	MaxBlockSize = 0x10000
)

var (
	// bgzfExtraPrefix identifies the BGZF-defined subfield within a
	// gzip member's Extra field: SI1='B', SI2='C', SLEN=2.
	bgzfExtraPrefix = []byte("BC\x02\x00")

	// MagicBlock is the BGZF EOF marker, a well-formed gzip member
	// with an empty payload. A valid BGZF stream ends with exactly
	// one of these.
	MagicBlock = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
		0x42, 0x43, 0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	ErrClosed            = errors.New("bgzf: use of closed writer")
	ErrNoBlockSize       = errors.New("bgzf: block size not found")
	ErrBlockOverflow     = errors.New("bgzf: block overflow")
	ErrBlockSizeMismatch = errors.New("bgzf: block size mismatch")
	ErrNotASeeker        = errors.New("bgzf: not a seeker")
	ErrNoEnd             = errors.New("bgzf: cannot determine end of stream")
	ErrCorruptBlock      = errors.New("bgzf: corrupt block")
)

// Header is the gzip member header of a single BGZF block.
type Header = gzip.Header

// Offset is a virtual file offset addressing byte data within a BGZF
// stream: a compressed block address packed with a within-block
// uncompressed byte offset. Ordering is lexicographic on (File,
// Block).
type Offset struct {
	File  int64
	Block uint16
}

// Chunk is a half open interval [Begin, End) of virtual file Offsets.
type Chunk struct {
	Begin, End Offset
}

func vOffset(o Offset) int64 {
	return o.File<<16 | int64(o.Block)
}

// VOffset returns the packed 64-bit virtual file offset for o, as used
// in the BAI and SBI wire formats: the compressed block address in
// the upper 48 bits and the within-block offset in the lower 16.
func VOffset(o Offset) uint64 {
	return uint64(o.File)<<16 | uint64(o.Block)
}

// OffsetFromUint64 unpacks a 64-bit virtual file offset as stored in
// the BAI and SBI wire formats into an Offset.
func OffsetFromUint64(v uint64) Offset {
	return Offset{File: int64(v >> 16), Block: uint16(v)}
}

// ExpectedMemberSize returns the size in bytes of the gzip member that
// produced h, as recorded in the BC Extra subfield, or -1 if the
// subfield is absent or malformed.
func ExpectedMemberSize(h Header) int {
	i := bytes.Index(h.Extra, bgzfExtraPrefix)
	if i < 0 || i+5 >= len(h.Extra) {
		return -1
	}
	return (int(h.Extra[i+4]) | int(h.Extra[i+5])<<8) + 1
}

// HasEOF returns whether the BGZF stream readable from r ends with the
// EOF marker block. r must implement io.Seeker so that the end of the
// stream can be located; r's position is restored before return.
func HasEOF(r interface{}) (bool, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		return false, ErrNoEnd
	}
	cur, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, err
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return false, err
	}
	defer rs.Seek(cur, io.SeekStart)

	if end < int64(len(MagicBlock)) {
		return false, nil
	}
	if _, err := rs.Seek(end-int64(len(MagicBlock)), io.SeekStart); err != nil {
		return false, err
	}
	buf := make([]byte, len(MagicBlock))
	n, err := io.ReadFull(rs, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false, err
	}
	if n != len(MagicBlock) {
		return false, nil
	}
	return bytes.Equal(buf, MagicBlock), nil
}
