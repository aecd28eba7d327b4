// Package debug records a binary trace of a boot attempt.
//
// Each record is
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - message bytes
//
// all little-endian. Writers reserve space by atomically advancing the trace
// offset, so concurrent writers never interleave within a record.
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
	// KindStep marks the start of a boot step.
	KindStep
	// KindFault records the error that stopped a boot.
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindStep:
		return "step"
	case KindFault:
		return "fault"
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

type Writer interface {
	io.WriterAt
	io.Closer
}

// Trace appends records to a Writer. A nil *Trace discards everything.
type Trace struct {
	w      Writer
	offset atomic.Int64
	now    func() time.Time
	err    atomic.Pointer[error]
}

func New(w Writer) *Trace {
	return &Trace{w: w, now: time.Now}
}

// OpenFile truncates filename and traces into it.
func OpenFile(filename string) (*Trace, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// Memory is an in-memory trace destination.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of the trace written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// OpenMemory traces into a fresh Memory.
func OpenMemory() (*Trace, *Memory) {
	m := &Memory{}
	return New(m), m
}

// Close closes the destination and reports the first write error, if any.
func (t *Trace) Close() error {
	if t == nil {
		return nil
	}
	closeErr := t.w.Close()
	if p := t.err.Load(); p != nil {
		return errors.Join(*p, closeErr)
	}
	return closeErr
}

func encodeHeader(kind Kind, source string, data []byte, ts time.Time) []byte {
	header := make([]byte, headerSize, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts.UnixNano()))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, dataLength uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

// Record appends one record. Write errors are kept and reported by Close;
// tracing never interrupts a boot.
func (t *Trace) Record(kind Kind, source string, data []byte) {
	if t == nil {
		return
	}
	if len(source) > 0xFFFF {
		source = source[:0xFFFF]
	}
	rec := append(encodeHeader(kind, source, data, t.now()), source...)
	rec = append(rec, data...)
	off := t.offset.Add(int64(len(rec))) - int64(len(rec))
	if _, err := t.w.WriteAt(rec, off); err != nil {
		t.err.CompareAndSwap(nil, &err)
	}
}

func (t *Trace) Write(source, msg string) {
	t.Record(KindString, source, []byte(msg))
}

func (t *Trace) Writef(source, format string, args ...any) {
	if t == nil {
		return
	}
	t.Record(KindString, source, fmt.Appendf(nil, format, args...))
}

// Source is a Trace bound to one source name.
type Source struct {
	t    *Trace
	name string
}

func (t *Trace) WithSource(name string) Source {
	return Source{t: t, name: name}
}

func (s Source) Step(format string, args ...any) {
	if s.t == nil {
		return
	}
	s.t.Record(KindStep, s.name, fmt.Appendf(nil, format, args...))
}

func (s Source) Writef(format string, args ...any) { s.t.Writef(s.name, format, args...) }
func (s Source) WriteBytes(data []byte)            { s.t.Record(KindBytes, s.name, data) }

func (s Source) Fault(err error) {
	if s.t == nil || err == nil {
		return
	}
	s.t.Record(KindFault, s.name, []byte(err.Error()))
}

// Entry is a decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// SearchOptions filters Search results. Zero values match everything.
type SearchOptions struct {
	Start   time.Time
	End     time.Time
	Kinds   []Kind
	Sources []string
}

func (o SearchOptions) match(e Entry) bool {
	if !o.Start.IsZero() && e.Time.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && e.Time.After(o.End) {
		return false
	}
	if len(o.Kinds) > 0 && !contains(o.Kinds, e.Kind) {
		return false
	}
	if len(o.Sources) > 0 && !contains(o.Sources, e.Source) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Reader holds a decoded trace.
type Reader struct {
	entries []Entry
}

// NewReader decodes every record from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	var out Reader
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("debug: read header: %w", err)
		}
		kind, sourceLength, dataLength, ts := decodeHeader(header)
		if kind == KindInvalid {
			return nil, fmt.Errorf("debug: invalid record at entry %d", len(out.entries))
		}
		body := make([]byte, int(sourceLength)+int(dataLength))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("debug: read record %d: %w", len(out.entries), err)
		}
		out.entries = append(out.entries, Entry{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLength]),
			Data:   body[sourceLength:],
		})
	}
	return &out, nil
}

// NewReaderFromFile decodes the trace stored in filename.
func NewReaderFromFile(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: open trace: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}

// Sources lists every source in order of first appearance.
func (r *Reader) Sources() []string {
	var out []string
	for _, e := range r.entries {
		if !contains(out, e.Source) {
			out = append(out, e.Source)
		}
	}
	return out
}

// Search calls fn for each matching entry in timestamp order, stable with
// respect to write order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	var matched []Entry
	for _, e := range r.entries {
		if opts.match(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Time.Before(matched[j].Time) })
	for _, e := range matched {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every entry in write order.
func (r *Reader) Each(fn func(Entry) error) error {
	for _, e := range r.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) Len() int { return len(r.entries) }
