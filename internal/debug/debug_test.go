package debug

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestTraceRoundTrip(t *testing.T) {
	tr, buf := OpenMemory()
	loader := tr.WithSource("loader")
	loader.Step("memory map: %d descriptors", 3)
	tr.Write("firmware", "hello, world")
	loader.WriteBytes([]byte{1, 2, 3})
	loader.Fault(errors.New("boom"))
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var seen []string
	r.Each(func(e Entry) error {
		seen = append(seen, fmt.Sprintf("%s/%s/%s", e.Source, e.Kind, e.Data))
		return nil
	})
	want := []string{
		"loader/step/memory map: 3 descriptors",
		"firmware/string/hello, world",
		"loader/bytes/\x01\x02\x03",
		"loader/fault/boom",
	}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("entries = %q, want %q", seen, want)
	}
	if got := r.Sources(); len(got) != 2 || got[0] != "loader" || got[1] != "firmware" {
		t.Fatalf("Sources() = %v", got)
	}

	var faults int
	r.Search(SearchOptions{Kinds: []Kind{KindFault}}, func(Entry) error { faults++; return nil })
	if faults != 1 {
		t.Fatalf("found %d faults", faults)
	}
}

func TestTraceFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "boot.trace")
	tr, err := OpenFile(name)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	tr.Write("test", "hello, world")
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r, err := NewReaderFromFile(name)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("decoded %d entries", r.Len())
	}
}

func TestNilTraceDiscards(t *testing.T) {
	var tr *Trace
	tr.Write("x", "y")
	src := tr.WithSource("loader")
	src.Step("step %d", 1)
	src.Fault(errors.New("ignored"))
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	tr, buf := OpenMemory()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := tr.WithSource(fmt.Sprintf("w%d", i))
			for j := 0; j < 50; j++ {
				src.Writef("message %d", j)
			}
		}(i)
	}
	wg.Wait()

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Len() != 400 {
		t.Fatalf("decoded %d entries, want 400", r.Len())
	}
	counts := map[string]int{}
	r.Each(func(e Entry) error {
		counts[e.Source]++
		return nil
	})
	for src, n := range counts {
		if n != 50 {
			t.Fatalf("%s wrote %d records, want 50", src, n)
		}
	}
}

func TestReaderRejectsInvalidRecord(t *testing.T) {
	if _, err := NewReader(bytes.NewReader(make([]byte, headerSize))); err == nil {
		t.Fatalf("zero header accepted")
	}
}
