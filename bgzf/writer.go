// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf

import (
	"bytes"
	"io"
	"runtime"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Writer implements blocked compressed writing in the BGZF format. A
// Writer buffers up to BlockSize bytes of uncompressed payload and
// flushes it as an independently inflatable gzip member whenever the
// buffer fills, on an explicit Flush, or at Close.
//
// Header fields set before the first Write or Flush are copied into
// every member written; Extra is always prefixed with the mandatory
// BC block-size subfield regardless of what the caller sets.
type Writer struct {
	Header

	w     io.Writer
	level int
	wc    int // write-queue depth; see NewWriter.

	block [BlockSize]byte
	next  int

	// offset is the cumulative compressed size of every block queued
	// for writing so far, giving the File component of the virtual
	// offset that the next byte written will occupy.
	offset int64

	closed bool
	err    error

	queue chan job
	done  chan error
	wg    sync.WaitGroup
	mu    sync.Mutex
}

type job struct {
	payload []byte
	w       io.Writer
	level   int
	header  Header
}

// NewWriter returns a Writer using the default compression level. wc
// sets the depth of the internal queue of compressed blocks awaiting
// write to w; if wc is zero, GOMAXPROCS is used. Compression itself
// runs synchronously in the calling goroutine (see flushBlock), since
// the virtual offset Begin/End report for a block must be known the
// instant that block is flushed; only the write to w is handed off to
// a separate goroutine, so a slow underlying Writer can fall behind by
// up to wc blocks before Write starts blocking.
func NewWriter(w io.Writer, wc int) *Writer {
	bw, _ := NewWriterLevel(w, gzip.DefaultCompression, wc)
	return bw
}

// NewWriterLevel returns a Writer using the given compression level.
// Valid levels are those accepted by compress/gzip. See NewWriter for
// the meaning of wc.
func NewWriterLevel(w io.Writer, level, wc int) (*Writer, error) {
	if wc == 0 {
		wc = runtime.GOMAXPROCS(0)
	}
	if wc < 1 {
		wc = 1
	}
	bw := &Writer{
		w:     w,
		level: level,
		wc:    wc,
		queue: make(chan job, wc),
		done:  make(chan error, 1),
	}
	bw.wg.Add(1)
	go bw.run()
	return bw, nil
}

// run serialises compressed blocks to the underlying writer in the
// order jobs are submitted, while allowing compression itself
// (performed by the caller goroutine before enqueuing, see
// flushBlock) to overlap with the previous block's I/O.
func (bw *Writer) run() {
	defer bw.wg.Done()
	for j := range bw.queue {
		if _, err := bw.w.Write(j.payload); err != nil {
			bw.done <- err
			// Drain remaining jobs so senders don't block forever.
			for range bw.queue {
			}
			return
		}
	}
	bw.done <- nil
}

// Write implements io.Writer.
func (bw *Writer) Write(p []byte) (int, error) {
	if bw.err != nil {
		return 0, bw.err
	}
	if bw.closed {
		return 0, ErrClosed
	}
	var n int
	for len(p) > 0 {
		c := copy(bw.block[bw.next:], p)
		n += c
		p = p[c:]
		bw.next += c
		if bw.next == BlockSize {
			if err := bw.flushBlock(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush writes any buffered data as a BGZF block, even if it is
// smaller than BlockSize.
func (bw *Writer) Flush() error {
	if bw.err != nil {
		return bw.err
	}
	if bw.closed || bw.next == 0 {
		return nil
	}
	return bw.flushBlock()
}

func (bw *Writer) flushBlock() error {
	payload := append([]byte(nil), bw.block[:bw.next]...)
	bw.next = 0
	compressed, err := compressBlock(payload, bw.level, bw.Header)
	if err != nil {
		bw.err = err
		return err
	}
	select {
	case bw.queue <- job{payload: compressed}:
	case err := <-bw.done:
		if err == nil {
			err = io.ErrClosedPipe
		}
		bw.err = err
		return err
	}
	bw.offset += int64(len(compressed))
	return nil
}

// currentOffset returns the virtual file offset that the next byte
// passed to Write will occupy.
func (bw *Writer) currentOffset() Offset {
	return Offset{File: bw.offset, Block: uint16(bw.next)}
}

// wtx represents an in-progress write transaction; calling End returns
// the Chunk written since the matching call to Begin.
type wtx struct {
	w     *Writer
	begin Offset
}

// Begin marks the start of a write transaction, returning a wtx whose
// End method reports the Chunk spanned by the bytes written between
// the call to Begin and the call to End.
func (bw *Writer) Begin() wtx {
	return wtx{w: bw, begin: bw.currentOffset()}
}

func (t wtx) End() Chunk {
	return Chunk{Begin: t.begin, End: t.w.currentOffset()}
}

// Wait blocks until all blocks submitted so far have been written to
// the underlying writer.
func (bw *Writer) Wait() error {
	// A zero-length marker job round-trips through the queue's FIFO
	// ordering, acting as a barrier: once run() has processed it,
	// every job enqueued before it has also been written.
	marker := make(chan struct{})
	bw.mu.Lock()
	q := bw.queue
	bw.mu.Unlock()
	go func() {
		select {
		case q <- job{payload: nil}:
		default:
			q <- job{payload: nil}
		}
		close(marker)
	}()
	<-marker
	return bw.err
}

// Close flushes any buffered data, writes the BGZF EOF marker, and
// closes the Writer. It does not close the underlying io.Writer.
func (bw *Writer) Close() error {
	if bw.closed {
		return bw.err
	}
	if err := bw.Flush(); err != nil {
		bw.closed = true
		close(bw.queue)
		bw.wg.Wait()
		return err
	}
	select {
	case bw.queue <- job{payload: MagicBlock}:
	case err := <-bw.done:
		bw.closed = true
		if err != nil {
			bw.err = err
		}
		return bw.err
	}
	bw.closed = true
	close(bw.queue)
	bw.wg.Wait()
	select {
	case err := <-bw.done:
		if err != nil && bw.err == nil {
			bw.err = err
		}
	default:
	}
	return bw.err
}

// compressBlock deflates payload into a single well-formed BGZF gzip
// member, patching the mandatory BC Extra subfield with the member's
// total size once it is known.
func compressBlock(payload []byte, level int, h Header) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	gz.Header = Header{
		Comment: h.Comment,
		Extra:   append(append([]byte(nil), bgzfExtraPrefix...), 0, 0),
		ModTime: h.ModTime,
		Name:    h.Name,
		OS:      h.OS,
	}
	if len(h.Extra) > 0 {
		gz.Header.Extra = append(gz.Header.Extra, h.Extra...)
	}
	if _, err := gz.Write(payload); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	b := buf.Bytes()
	i := bytes.Index(b, bgzfExtraPrefix)
	if i < 0 {
		return nil, ErrNoBlockSize
	}
	size := len(b) - 1
	if size >= MaxBlockSize {
		return nil, ErrBlockOverflow
	}
	b[i+4], b[i+5] = byte(size), byte(size>>8)
	return b, nil
}
