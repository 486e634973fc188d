// Copyright ©2014 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package partition implements reading, writing and index-merging of
// partitioned BAM files: a directory holding a shared header file, a
// sequence of headerless part-NNNNN record files, and an optional
// terminator file carrying only the BGZF EOF marker. Splitting a BAM
// file this way lets independent workers write disjoint record
// ranges in parallel; merging their per-part BAI indexes afterwards
// yields an index equivalent to one built over the whole file.
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/htsgo/hts/bam"
	"github.com/htsgo/hts/bgzf"
	"github.com/htsgo/hts/sam"
)

// HeaderFile, PartFilePattern and TerminatorFile name the well-known
// files of a partitioned BAM directory.
const (
	HeaderFile      = "header"
	PartFilePattern = "part-%05d"
	TerminatorFile  = "terminator"
)

// Create sets up dir to hold a partitioned BAM file with the given
// header, writing the header file. dir is created if it does not
// already exist.
func Create(dir string, h *sam.Header) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, HeaderFile))
	if err != nil {
		return err
	}
	defer f.Close()

	bg := bgzf.NewWriter(f, 0)
	if err := h.EncodeBinary(bg); err != nil {
		return err
	}
	return bg.Close()
}

// PartPath returns the path of the n-th part file within dir.
func PartPath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf(PartFilePattern, n))
}

// CreatePart returns a bam.Writer for the n-th part of the
// partitioned BAM in dir, building a per-part BAI index with the
// uninitialised-window fill disabled so that parts can later be
// merged with Merge.
func CreatePart(dir string, n int, h *sam.Header, wc int) (*bam.Writer, *os.File, error) {
	f, err := os.Create(PartPath(dir, n))
	if err != nil {
		return nil, nil, err
	}
	bw, err := bam.NewPartWriter(f, h, bam.WriterConfig{Concurrency: wc, CreateIndex: true})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return bw, f, nil
}

// WriteTerminator writes the BGZF EOF marker to dir's terminator
// file, marking a partitioned BAM as complete.
func WriteTerminator(dir string) error {
	f, err := os.Create(filepath.Join(dir, TerminatorFile))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(bgzf.MagicBlock)
	return err
}

// Parts returns the sorted paths of the part-NNNNN files present in
// dir.
func Parts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), PartFilePattern, &n); err == nil && e.Name() == fmt.Sprintf(PartFilePattern, n) {
			parts = append(parts, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(parts)
	return parts, nil
}

// Merge reads the per-part BAI indexes alongside each file in parts
// (named "<part>.bai") and the shared header length, and returns the
// bam.Index equivalent to indexing the concatenation of header,
// parts and terminator as a single BAM file.
func Merge(headerLen int64, parts []string) (*bam.Index, error) {
	idxs := make([]*bam.Index, len(parts))
	sizes := make([]int64, len(parts))
	for i, p := range parts {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		sizes[i] = fi.Size()

		f, err := os.Open(p + ".bai")
		if err != nil {
			return nil, err
		}
		idx, err := bam.ReadIndex(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		idxs[i] = idx
	}

	offsets := make([]int64, len(parts))
	cum := headerLen
	for i, size := range sizes {
		offsets[i] = cum
		cum += size
	}

	return bam.MergeIndexes(idxs, offsets)
}
