// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf_test

import (
	"bytes"
	"testing"

	. "github.com/htsgo/hts/bgzf"
)

func TestWriterTransactionChunk(t *testing.T) {
	var buf bytes.Buffer
	bw := NewWriter(&buf, 1)

	tx := bw.Begin()
	if _, err := bw.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	first := tx.End()

	tx2 := bw.Begin()
	if _, err := bw.Write([]byte("world")); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}
	second := tx2.End()

	if err := bw.Close(); err != nil {
		t.Fatalf("unexpected error closing writer: %v", err)
	}

	if first.Begin.File != 0 || first.Begin.Block != 0 {
		t.Fatalf("got first chunk begin %v, want zero offset", first.Begin)
	}
	if first.End != second.Begin {
		t.Fatalf("got first chunk end %v, second chunk begin %v, want equal", first.End, second.Begin)
	}
	if second.End.File <= first.End.File {
		t.Fatalf("got second chunk end file %d, want greater than %d", second.End.File, first.End.File)
	}

	br, err := NewReader(bytes.NewReader(buf.Bytes()), 1)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	if err := br.Seek(first.Begin); err != nil {
		t.Fatalf("failed to seek to first chunk: %v", err)
	}
	got := make([]byte, 5)
	if _, err := br.Read(got); err != nil {
		t.Fatalf("unexpected error reading first chunk: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	if err := br.Seek(second.Begin); err != nil {
		t.Fatalf("failed to seek to second chunk: %v", err)
	}
	got = make([]byte, 5)
	if _, err := br.Read(got); err != nil {
		t.Fatalf("unexpected error reading second chunk: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("got %q, want %q", got, "world")
	}
}
