// Copyright ©2014 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package partition

import (
	"io"
	"os"
	"path/filepath"

	"github.com/htsgo/hts/bam"
)

// OpenRecordMerger returns a bam.Merger streaming every record across
// all parts of the partitioned BAM in dir, in the order fixed by the
// shared header's SortOrder field (see bam.NewMerger) — the
// record-level analogue of Merge, for callers that want to
// re-materialise a partitioned BAM as a single ordinary record stream
// rather than just merge its index.
//
// Each part file is headerless, so it is opened as the shared header
// immediately followed by the part's own bytes; BGZF permits this
// concatenation to be read as a single well-formed BAM stream. The
// returned Merger's Close method closes every opened file.
func OpenRecordMerger(dir string) (*bam.Merger, error) {
	parts, err := Parts(dir)
	if err != nil {
		return nil, err
	}

	readers := make([]*bam.Reader, 0, len(parts))
	for _, p := range parts {
		r, err := openPartReader(dir, p)
		if err != nil {
			closeReaders(readers)
			return nil, err
		}
		readers = append(readers, r)
	}

	m, err := bam.NewMerger(nil, readers...)
	if err != nil {
		closeReaders(readers)
		return nil, err
	}
	return m, nil
}

// headerAndPart concatenates the shared header file with a part file,
// closing both when Close is called.
type headerAndPart struct {
	io.Reader
	h, p *os.File
}

func (hp *headerAndPart) Close() error {
	errH := hp.h.Close()
	errP := hp.p.Close()
	if errH != nil {
		return errH
	}
	return errP
}

func openPartReader(dir, part string) (*bam.Reader, error) {
	h, err := os.Open(filepath.Join(dir, HeaderFile))
	if err != nil {
		return nil, err
	}
	p, err := os.Open(part)
	if err != nil {
		h.Close()
		return nil, err
	}
	hp := &headerAndPart{Reader: io.MultiReader(h, p), h: h, p: p}
	br, err := bam.NewReader(hp, 0)
	if err != nil {
		hp.Close()
		return nil, err
	}
	return br, nil
}

func closeReaders(readers []*bam.Reader) {
	for _, r := range readers {
		r.Close()
	}
}
