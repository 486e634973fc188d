// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bam

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/htsgo/hts/bgzf"
	"github.com/htsgo/hts/internal"
	"github.com/htsgo/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// ErrOutOfOrder is returned by Write when a record's position would
// violate the sort order declared in the Writer's header.
var ErrOutOfOrder = errors.New("bam: record out of sort order")

// WriterConfig collects the settings accepted by NewWriterConfig. The
// zero value selects the defaults used by NewWriter: default
// compression, a GOMAXPROCS-deep write queue, no index and no MD5
// digest.
type WriterConfig struct {
	// CompressionLevel sets the BGZF compression level; valid values
	// are those accepted by compress/gzip. Zero selects the default
	// compression level.
	CompressionLevel int

	// Concurrency is the number of compressed blocks that may wait in
	// the BGZF writer's queue for the write goroutine; zero selects
	// GOMAXPROCS. Compression itself runs synchronously in Write.
	Concurrency int

	// CreateIndex causes the Writer to accumulate a BAI index of the
	// records written to it, retrievable with Index after Close.
	CreateIndex bool

	// CreateMD5 causes the Writer to compute an MD5 digest of the
	// compressed bytes written to the underlying io.Writer,
	// retrievable with MD5Sum after Close.
	CreateMD5 bool

	// MaxRecordsInRam, when non-zero and the header's declared sort
	// order is Coordinate or QueryName, causes the Writer to accept
	// records in any order: records are buffered in memory, sorted
	// and spilled to a temporary run once the buffer reaches this
	// many records, and the runs are merged back into sort order at
	// Close. Zero requires the caller to present already-sorted
	// records, enforced by checkOrder.
	MaxRecordsInRam int
}

// Writer implements BAM data writing.
type Writer struct {
	h *sam.Header

	bg  *bgzf.Writer
	buf bytes.Buffer

	sortOrder sam.SortOrder
	haveLast  bool
	lastRef   int
	lastPos   int
	lastName  string

	idx *Index
	md5 hash.Hash

	spillMax int
	spillBuf []*sam.Record
	spillRun []string
}

// NewWriter returns a new Writer using the given SAM header. The depth
// of the BGZF write queue is set to wc.
func NewWriter(w io.Writer, h *sam.Header, wc int) (*Writer, error) {
	return NewWriterLevel(w, h, gzip.DefaultCompression, wc)
}

func makeWriter(w io.Writer, level, wc int) (*bgzf.Writer, error) {
	if bw, ok := w.(*bgzf.Writer); ok {
		return bw, nil
	}
	return bgzf.NewWriterLevel(w, level, wc)
}

// NewWriterLevel returns a new Writer using the given SAM header. The
// depth of the BGZF write queue is set to wc and compression level is
// set to level. Valid
// values for level are described in the compress/gzip documentation.
func NewWriterLevel(w io.Writer, h *sam.Header, level, wc int) (*Writer, error) {
	return NewWriterConfig(w, h, WriterConfig{CompressionLevel: level, Concurrency: wc})
}

// NewWriterConfig returns a new Writer using the given SAM header and
// configuration.
func NewWriterConfig(w io.Writer, h *sam.Header, cfg WriterConfig) (*Writer, error) {
	return newWriter(w, h, cfg, false)
}

// NewPartWriter returns a Writer that writes only BGZF-wrapped
// alignment records, omitting the SAM header preamble a standalone
// BAM file requires. It is used for the part-NNNNN files of a
// partitioned BAM, whose shared header is instead written once to a
// separate header file; see the partition package.
func NewPartWriter(w io.Writer, h *sam.Header, cfg WriterConfig) (*Writer, error) {
	return newWriter(w, h, cfg, true)
}

func newWriter(w io.Writer, h *sam.Header, cfg WriterConfig, skipHeader bool) (*Writer, error) {
	level := cfg.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var sum hash.Hash
	if cfg.CreateMD5 {
		sum = md5.New()
		w = io.MultiWriter(w, sum)
	}

	bg, err := makeWriter(w, level, cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	bw := &Writer{
		bg:        bg,
		h:         h,
		sortOrder: h.SortOrder,
		lastRef:   -1,
		md5:       sum,
	}
	if cfg.CreateIndex {
		bw.idx = NewIndex(skipHeader)
	}
	if cfg.MaxRecordsInRam > 0 && (h.SortOrder == sam.Coordinate || h.SortOrder == sam.QueryName) {
		bw.spillMax = cfg.MaxRecordsInRam
	}

	if !skipHeader {
		err = bw.writeHeader(h)
		if err != nil {
			return nil, err
		}
		bw.bg.Flush()
		err = bw.bg.Wait()
		if err != nil {
			return nil, err
		}
	}
	return bw, nil
}

func (bw *Writer) writeHeader(h *sam.Header) error {
	bw.buf.Reset()
	err := h.EncodeBinary(&bw.buf)
	if err != nil {
		return err
	}

	_, err = bw.bg.Write(bw.buf.Bytes())
	return err
}

// Index returns the index accumulated during writing. It is only
// valid once Close has been called, and only if the Writer was
// constructed with WriterConfig.CreateIndex set.
func (bw *Writer) Index() *Index {
	return bw.idx
}

// MD5Sum returns the hex-encoded MD5 digest of the compressed bytes
// written. It is only valid once Close has been called, and only if
// the Writer was constructed with WriterConfig.CreateMD5 set.
func (bw *Writer) MD5Sum() string {
	if bw.md5 == nil {
		return ""
	}
	return fmt.Sprintf("%x", bw.md5.Sum(nil))
}

// checkOrder enforces the sort order declared by the header: records
// must arrive in non-decreasing (refID, pos) order for Coordinate
// sort, and non-decreasing name order for QueryName sort. Unmapped
// records (refID == -1) are always permitted to follow mapped ones
// under Coordinate order, matching the convention that they sort last.
func (bw *Writer) checkOrder(r *sam.Record) error {
	switch bw.sortOrder {
	case sam.Coordinate:
		ref := -1
		if r.Ref != nil {
			ref = r.Ref.ID()
		}
		// Once an unmapped record (ref == -1) has been seen, it sorts
		// last forever: no further ordering is enforced, matching the
		// convention that unmapped records trail every mapped one.
		if bw.haveLast && bw.lastRef != -1 {
			switch {
			case ref != -1 && ref < bw.lastRef:
				return ErrOutOfOrder
			case ref == bw.lastRef && r.Pos < bw.lastPos:
				return ErrOutOfOrder
			}
		}
		bw.lastRef, bw.lastPos, bw.haveLast = ref, r.Pos, true
	case sam.QueryName:
		if bw.haveLast && r.Name < bw.lastName {
			return ErrOutOfOrder
		}
		bw.lastName, bw.haveLast = r.Name, true
	}
	return nil
}

// Write writes r to the BAM stream. If the Writer was constructed with
// WriterConfig.MaxRecordsInRam set, r may arrive in any order; it is
// buffered and sorted before reaching the output. Otherwise r must
// already be in the sort order declared by the header.
func (bw *Writer) Write(r *sam.Record) error {
	if len(r.Name) == 0 || len(r.Name) > 254 {
		return errors.New("bam: name absent or too long")
	}
	if r.Qual != nil && len(r.Qual) != r.Seq.Length {
		return errors.New("bam: sequence/quality length mismatch")
	}

	if bw.spillMax > 0 {
		return bw.buffer(r)
	}

	if err := bw.checkOrder(r); err != nil {
		return err
	}
	return bw.writeRecord(r)
}

// buffer accumulates r for a sort-spill Writer, spilling the current
// batch to a temporary run once it reaches spillMax records.
func (bw *Writer) buffer(r *sam.Record) error {
	bw.spillBuf = append(bw.spillBuf, r)
	if len(bw.spillBuf) < bw.spillMax {
		return nil
	}
	return bw.spill()
}

// less returns the ordering predicate matching the header's declared
// sort order.
func (bw *Writer) less() func(a, b *sam.Record) bool {
	if bw.sortOrder == sam.QueryName {
		return (*sam.Record).LessByName
	}
	return (*sam.Record).LessByCoordinate
}

// spill sorts the current batch and writes it to a new temporary BAM
// file, recording its path as a run to be merged at Close.
func (bw *Writer) spill() error {
	if len(bw.spillBuf) == 0 {
		return nil
	}
	less := bw.less()
	sort.Slice(bw.spillBuf, func(i, j int) bool { return less(bw.spillBuf[i], bw.spillBuf[j]) })

	f, err := os.CreateTemp("", "bam-spill-*.bam")
	if err != nil {
		return err
	}
	defer f.Close()

	rw, err := NewWriterConfig(f, bw.h, WriterConfig{})
	if err != nil {
		return err
	}
	for _, rec := range bw.spillBuf {
		if err := rw.writeRecord(rec); err != nil {
			return err
		}
	}
	if err := rw.Close(); err != nil {
		return err
	}

	bw.spillRun = append(bw.spillRun, f.Name())
	bw.spillBuf = bw.spillBuf[:0]
	return nil
}

// drain merges every spilled run plus any remaining buffered records,
// in sort order, into the output stream. It is called once from
// Close and removes the temporary run files as it consumes them.
func (bw *Writer) drain() error {
	if len(bw.spillRun) == 0 {
		less := bw.less()
		sort.Slice(bw.spillBuf, func(i, j int) bool { return less(bw.spillBuf[i], bw.spillBuf[j]) })
		for _, rec := range bw.spillBuf {
			if err := bw.writeRecord(rec); err != nil {
				return err
			}
		}
		bw.spillBuf = nil
		return nil
	}

	if err := bw.spill(); err != nil {
		return err
	}

	readers := make([]*Reader, 0, len(bw.spillRun))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
		for _, path := range bw.spillRun {
			os.Remove(path)
		}
	}()
	for _, path := range bw.spillRun {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		r, err := NewReader(f, 0)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}

	merger, err := NewMerger(nil, readers...)
	if err != nil {
		return err
	}
	for {
		rec, err := merger.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := bw.writeRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// writeRecord serialises r and appends it to the BGZF stream without
// any sort-order check; callers are responsible for ordering.
func (bw *Writer) writeRecord(r *sam.Record) error {
	cigar, cg, err := sentinelCigar(r.Cigar)
	if err != nil {
		return err
	}
	aux := r.AuxFields
	if cg != nil {
		aux = append(append(sam.AuxFields(nil), aux...), cg)
	}

	tags := buildAux(aux)
	recLen := bamFixedRemainder +
		len(r.Name) + 1 + // Null terminated.
		len(cigar)<<2 + // CigarOps are 4 bytes.
		len(r.Seq.Seq) +
		len(r.Qual) +
		len(tags)

	bw.buf.Reset()
	wb := errWriter{w: &bw.buf}
	bin := binaryWriter{w: &wb}

	// Write record header data.
	bin.writeInt32(int32(recLen))
	bin.writeInt32(int32(r.Ref.ID()))
	bin.writeInt32(int32(r.Pos))
	bin.writeUint8(byte(len(r.Name) + 1))
	bin.writeUint8(r.MapQ)
	bin.writeUint16(uint16(r.Bin())) //r.bin
	bin.writeUint16(uint16(len(cigar)))
	bin.writeUint16(uint16(r.Flags))
	bin.writeInt32(int32(r.Seq.Length))
	bin.writeInt32(int32(r.MateRef.ID()))
	bin.writeInt32(int32(r.MatePos))
	bin.writeInt32(int32(r.TempLen))

	// Write variable length data.
	wb.Write(append([]byte(r.Name), 0))
	writeCigarOps(&bin, cigar)
	wb.Write(doublets(r.Seq.Seq).Bytes())
	if r.Qual != nil {
		wb.Write(r.Qual)
	} else {
		for i := 0; i < r.Seq.Length; i++ {
			wb.WriteByte(0xff)
		}
	}
	wb.Write(tags)
	if wb.err != nil {
		return wb.err
	}

	tx := bw.bg.Begin()
	_, err = bw.bg.Write(bw.buf.Bytes())
	if err != nil {
		return err
	}
	if bw.idx != nil {
		err = bw.idx.Add(r, tx.End())
		if err != nil {
			return err
		}
	}
	return nil
}

// sentinelCigar returns the CIGAR to be encoded directly in the
// record header, replacing cigar with the long-CIGAR sentinel
// <read length>S<reference length>N and a CG aux tag carrying the
// real operations when cigar has more operations than the 16-bit
// nCigar field can hold. The reference and read lengths implied by
// cigar are validated before the sentinel is constructed, since a
// CIGAR whose span does not fit the sentinel's own 28-bit operation
// lengths cannot be represented at all.
func sentinelCigar(cigar sam.Cigar) (sam.Cigar, sam.Aux, error) {
	if len(cigar) <= maxCigarOps {
		return cigar, nil, nil
	}
	refLen, readLen := cigar.Lengths()
	const maxLen = 1 << 28
	if refLen >= maxLen || readLen >= maxLen {
		return nil, nil, errors.New("bam: cigar too long to encode as long-cigar sentinel")
	}
	ops := make([]uint32, len(cigar))
	for i, op := range cigar {
		ops[i] = uint32(op)
	}
	cg, err := sam.NewAux(cgTag, ops)
	if err != nil {
		return nil, nil, err
	}
	sentinel := sam.Cigar{
		sam.NewCigarOp(sam.CigarSoftClipped, readLen),
		sam.NewCigarOp(sam.CigarSkipped, refLen),
	}
	return sentinel, cg, nil
}

func writeCigarOps(bin *binaryWriter, co []sam.CigarOp) {
	for _, o := range co {
		bin.writeUint32(uint32(o))
		if bin.w.err != nil {
			return
		}
	}
	return
}

// Close flushes any buffered data and closes the Writer. It does not
// close the underlying io.Writer.
func (bw *Writer) Close() error {
	if bw.spillMax > 0 {
		if err := bw.drain(); err != nil {
			return err
		}
	}
	if bw.idx != nil {
		// The index covers every reference in the header, including
		// trailing references that received no records.
		for len(bw.idx.idx.Refs) < len(bw.h.Refs()) {
			bw.idx.idx.Refs = append(bw.idx.idx.Refs, internal.RefIndex{})
		}
		bw.idx.Finalize()
	}
	return bw.bg.Close()
}

type errWriter struct {
	w   *bytes.Buffer
	err error
}

func (w *errWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	var n int
	n, w.err = w.w.Write(p)
	return n, w.err
}

func (w *errWriter) WriteByte(b byte) error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.WriteByte(b)
	return w.err
}

type binaryWriter struct {
	w   *errWriter
	buf [4]byte
}

func (w *binaryWriter) writeUint8(v uint8) {
	w.buf[0] = v
	w.w.Write(w.buf[:1])
}

func (w *binaryWriter) writeUint16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[:2], v)
	w.w.Write(w.buf[:2])
}

func (w *binaryWriter) writeInt32(v int32) {
	binary.LittleEndian.PutUint32(w.buf[:4], uint32(v))
	w.w.Write(w.buf[:4])
}

func (w *binaryWriter) writeUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.w.Write(w.buf[:4])
}
