// Copyright ©2014 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bam

import (
	"errors"
	"sort"

	"github.com/htsgo/hts/bgzf"
	"github.com/htsgo/hts/bgzf/index"
	"github.com/htsgo/hts/internal"
)

// ErrDictionaryMismatch is returned by MergeIndexes when the per-part
// indexes being merged do not share a common reference dictionary.
var ErrDictionaryMismatch = errors.New("bam: sequence dictionary mismatch")

// MergeIndexes combines the per-part BAI indexes of a partitioned BAM
// file into the index of the equivalent single concatenated file.
// offsets[i] gives the cumulative byte offset of part i within that
// concatenation (offsets[0] is the length of the shared header); each
// part's index must have been built with NoFill set, so that its
// uninitialised linear-index windows can be told apart from windows
// genuinely covering no alignment.
func MergeIndexes(parts []*Index, offsets []int64) (*Index, error) {
	if len(parts) != len(offsets) {
		return nil, errors.New("bam: offsets must have one entry per part")
	}
	if len(parts) == 0 {
		return &Index{}, nil
	}

	nRefs := len(parts[0].idx.Refs)
	for _, p := range parts[1:] {
		if len(p.idx.Refs) != nRefs {
			return nil, ErrDictionaryMismatch
		}
	}

	merged := internal.Index{}
	merged.Refs = make([]internal.RefIndex, nRefs)

	for r := 0; r < nRefs; r++ {
		mr := &merged.Refs[r]

		bins := make(map[uint32][]bgzf.Chunk)
		var stats *internal.ReferenceStats
		maxIntervals := 0
		for i, p := range parts {
			ref := p.idx.Refs[r]
			shift := offsets[i]
			for _, b := range ref.Bins {
				for _, c := range b.Chunks {
					bins[b.Bin] = append(bins[b.Bin], shiftChunk(c, shift))
				}
			}
			if ref.Stats != nil {
				s := *ref.Stats
				s.Chunk = shiftChunk(s.Chunk, shift)
				stats = mergeStats(stats, &s)
			}
			if len(ref.Intervals) > maxIntervals {
				maxIntervals = len(ref.Intervals)
			}
		}
		mr.Stats = stats

		mr.Bins = make([]internal.Bin, 0, len(bins))
		for bin, chunks := range bins {
			sort.Slice(chunks, func(i, j int) bool {
				return bgzf.VOffset(chunks[i].Begin) < bgzf.VOffset(chunks[j].Begin)
			})
			mr.Bins = append(mr.Bins, internal.Bin{Bin: bin, Chunks: index.Adjacent(chunks)})
		}

		intervals := make([]bgzf.Offset, maxIntervals)
		for w := range intervals {
			intervals[w] = internal.UninitOffset()
		}
		for i, p := range parts {
			ref := p.idx.Refs[r]
			shift := offsets[i]
			for w, o := range ref.Intervals {
				if internal.IsUninitOffset(o) {
					continue
				}
				if internal.IsUninitOffset(intervals[w]) {
					intervals[w] = shiftOffset(o, shift)
				}
			}
		}
		mr.Intervals = intervals
	}

	var unmapped uint64
	haveUnmapped := false
	for _, p := range parts {
		if p.idx.Unmapped != nil {
			unmapped += *p.idx.Unmapped
			haveUnmapped = true
		}
	}
	if haveUnmapped {
		merged.Unmapped = &unmapped
	}

	merged.Finalize()
	return &Index{idx: merged}, nil
}

func shiftOffset(o bgzf.Offset, shift int64) bgzf.Offset {
	o.File += shift
	return o
}

func shiftChunk(c bgzf.Chunk, shift int64) bgzf.Chunk {
	return bgzf.Chunk{Begin: shiftOffset(c.Begin, shift), End: shiftOffset(c.End, shift)}
}

// mergeStats combines b into a, treating a nil a as the identity,
// taking the lowest Chunk.Begin, the highest Chunk.End, and summing
// the mapped and unmapped counts.
func mergeStats(a, b *internal.ReferenceStats) *internal.ReferenceStats {
	if a == nil {
		s := *b
		return &s
	}
	if bgzf.VOffset(b.Chunk.Begin) < bgzf.VOffset(a.Chunk.Begin) {
		a.Chunk.Begin = b.Chunk.Begin
	}
	if bgzf.VOffset(b.Chunk.End) > bgzf.VOffset(a.Chunk.End) {
		a.Chunk.End = b.Chunk.End
	}
	a.Mapped += b.Mapped
	a.Unmapped += b.Unmapped
	return a
}
