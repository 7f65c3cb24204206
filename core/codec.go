package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
)

// ErrCorruptRecord indicates an encoded record could not be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

const recordVersion = 1

// Encoder is the sink shared by Sizer and Writer so each record layout is written once.
type Encoder interface {
	Uint64(v uint64)
	Int64(v int64)
	Int(v int)
	String(v string)
	Bool(v bool)
	Time(v time.Time)
	Float32s(v []float32)
}

// Sizer accumulates the encoded size of a record.
type Sizer struct {
	N int
}

func (s *Sizer) Uint64(v uint64)  { s.N += varint.Uint64.Size(v) }
func (s *Sizer) Int64(v int64)    { s.N += varint.Int64.Size(v) }
func (s *Sizer) Int(v int)        { s.N += varint.Int64.Size(int64(v)) }
func (s *Sizer) String(v string)  { s.N += ord.String.Size(v) }
func (s *Sizer) Bool(v bool)      { s.N += ord.Bool.Size(v) }
func (s *Sizer) Time(v time.Time) { s.N += varint.Int64.Size(timeToMicro(v)) }

func (s *Sizer) Float32s(v []float32) {
	s.N += varint.Uint64.Size(uint64(len(v)))
	for _, f := range v {
		s.N += raw.Float32.Size(f)
	}
}

// Writer encodes into a buffer sized by a Sizer.
type Writer struct {
	bs []byte
	n  int
}

// NewWriter wraps bs for encoding.
func NewWriter(bs []byte) *Writer {
	return &Writer{bs: bs}
}

// N returns the number of bytes written so far.
func (w *Writer) N() int { return w.n }

func (w *Writer) Uint64(v uint64)  { w.n += varint.Uint64.Marshal(v, w.bs[w.n:]) }
func (w *Writer) Int64(v int64)    { w.n += varint.Int64.Marshal(v, w.bs[w.n:]) }
func (w *Writer) Int(v int)        { w.n += varint.Int64.Marshal(int64(v), w.bs[w.n:]) }
func (w *Writer) String(v string)  { w.n += ord.String.Marshal(v, w.bs[w.n:]) }
func (w *Writer) Bool(v bool)      { w.n += ord.Bool.Marshal(v, w.bs[w.n:]) }
func (w *Writer) Time(v time.Time) { w.n += varint.Int64.Marshal(timeToMicro(v), w.bs[w.n:]) }

func (w *Writer) Float32s(v []float32) {
	w.n += varint.Uint64.Marshal(uint64(len(v)), w.bs[w.n:])
	for _, f := range v {
		w.n += raw.Float32.Marshal(f, w.bs[w.n:])
	}
}

// Reader decodes fields in order. The first failure sticks; later calls return zero values.
type Reader struct {
	bs  []byte
	n   int
	err error
}

// NewReader wraps bs for decoding.
func NewReader(bs []byte) *Reader {
	return &Reader{bs: bs}
}

// N returns the number of bytes consumed so far.
func (r *Reader) N() int { return r.n }

// Err returns the first decoding error, wrapped with ErrCorruptRecord.
func (r *Reader) Err() error {
	if r.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCorruptRecord, r.err)
}

func (r *Reader) Uint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *Reader) Int64() int64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *Reader) Int() int {
	return int(r.Int64())
}

func (r *Reader) Str() string {
	if r.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *Reader) Bool() bool {
	if r.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *Reader) Time() time.Time {
	return microToTime(r.Int64())
}

func (r *Reader) Float32s() []float32 {
	count := r.Uint64()
	if r.err != nil {
		return nil
	}
	if count*4 > uint64(len(r.bs)-r.n) {
		r.err = fmt.Errorf("float32 slice of %d elements exceeds remaining %d bytes", count, len(r.bs)-r.n)
		return nil
	}
	out := make([]float32, count)
	for i := range out {
		v, n, err := raw.Float32.Unmarshal(r.bs[r.n:])
		r.n += n
		if err != nil {
			r.err = err
			return nil
		}
		out[i] = v
	}
	return out
}

func (r *Reader) version() {
	if v := r.Uint64(); r.err == nil && v != recordVersion {
		r.err = fmt.Errorf("unsupported record version %d", v)
	}
}

// timeToMicro keeps the zero time distinguishable from the epoch.
func timeToMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func microToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

type taskCodec struct{}
type tenantCodec struct{}
type documentCodec struct{}
type chunkCodec struct{}

var (
	// TaskMUS encodes Task records.
	TaskMUS taskCodec
	// TenantMUS encodes Tenant records.
	TenantMUS tenantCodec
	// DocumentMUS encodes Document records.
	DocumentMUS documentCodec
	// ChunkMUS encodes Chunk records.
	ChunkMUS chunkCodec
)

func (taskCodec) encode(e Encoder, t Task) {
	e.Uint64(recordVersion)
	e.String(t.ID)
	e.String(string(t.TenantID))
	e.String(t.OwnerID)
	e.String(t.DocumentName)
	e.String(t.Source)
	e.String(t.StagingPath)
	e.Int64(t.FileSize)
	e.String(t.ChunkingMethod)
	e.String(string(t.ChunkingConfig))
	e.String(string(t.Status))
	e.Int(t.Progress)
	e.String(t.StatusMessage)
	e.Int(t.ChunkCount)
	e.String(t.ErrorMessage)
	e.Time(t.CreatedAt)
	e.Time(t.StartedAt)
	e.Time(t.CompletedAt)
}

func (c taskCodec) Size(t Task) int {
	var s Sizer
	c.encode(&s, t)
	return s.N
}

func (c taskCodec) Marshal(t Task, bs []byte) int {
	w := NewWriter(bs)
	c.encode(w, t)
	return w.N()
}

func (taskCodec) Unmarshal(bs []byte) (Task, int, error) {
	r := NewReader(bs)
	r.version()
	var t Task
	t.ID = r.Str()
	t.TenantID = TenantID(r.Str())
	t.OwnerID = r.Str()
	t.DocumentName = r.Str()
	t.Source = r.Str()
	t.StagingPath = r.Str()
	t.FileSize = r.Int64()
	t.ChunkingMethod = r.Str()
	if cfg := r.Str(); cfg != "" {
		t.ChunkingConfig = []byte(cfg)
	}
	t.Status = TaskStatus(r.Str())
	t.Progress = r.Int()
	t.StatusMessage = r.Str()
	t.ChunkCount = r.Int()
	t.ErrorMessage = r.Str()
	t.CreatedAt = r.Time()
	t.StartedAt = r.Time()
	t.CompletedAt = r.Time()
	return t, r.N(), r.Err()
}

func (tenantCodec) encode(e Encoder, t Tenant) {
	e.Uint64(recordVersion)
	e.String(string(t.ID))
	e.String(t.OwnerID)
	e.String(t.Name)
	e.Int(t.Dimension)
	e.String(t.IndexKind)
	e.Time(t.CreatedAt)
}

func (c tenantCodec) Size(t Tenant) int {
	var s Sizer
	c.encode(&s, t)
	return s.N
}

func (c tenantCodec) Marshal(t Tenant, bs []byte) int {
	w := NewWriter(bs)
	c.encode(w, t)
	return w.N()
}

func (tenantCodec) Unmarshal(bs []byte) (Tenant, int, error) {
	r := NewReader(bs)
	r.version()
	var t Tenant
	t.ID = TenantID(r.Str())
	t.OwnerID = r.Str()
	t.Name = r.Str()
	t.Dimension = r.Int()
	t.IndexKind = r.Str()
	t.CreatedAt = r.Time()
	return t, r.N(), r.Err()
}

func (documentCodec) encode(e Encoder, d Document) {
	e.Uint64(recordVersion)
	e.Uint64(uint64(d.ID))
	e.String(string(d.TenantID))
	e.String(d.TaskID)
	e.String(d.Name)
	e.String(d.Source)
	e.Int64(d.FileSize)
	e.String(d.ChunkingMethod)
	e.Int(d.ChunkCount)
	e.Time(d.CreatedAt)
}

func (c documentCodec) Size(d Document) int {
	var s Sizer
	c.encode(&s, d)
	return s.N
}

func (c documentCodec) Marshal(d Document, bs []byte) int {
	w := NewWriter(bs)
	c.encode(w, d)
	return w.N()
}

func (documentCodec) Unmarshal(bs []byte) (Document, int, error) {
	r := NewReader(bs)
	r.version()
	var d Document
	d.ID = ID(r.Uint64())
	d.TenantID = TenantID(r.Str())
	d.TaskID = r.Str()
	d.Name = r.Str()
	d.Source = r.Str()
	d.FileSize = r.Int64()
	d.ChunkingMethod = r.Str()
	d.ChunkCount = r.Int()
	d.CreatedAt = r.Time()
	return d, r.N(), r.Err()
}

func (chunkCodec) encode(e Encoder, c Chunk) {
	e.Uint64(recordVersion)
	e.Uint64(uint64(c.ID))
	e.String(string(c.TenantID))
	e.Uint64(uint64(c.DocumentID))
	e.Int(c.Index)
	e.String(c.Content)
	e.Int(c.Size)
	e.Int64(c.VectorID)
	e.Uint64(uint64(c.ContentHash))
	e.Time(c.CreatedAt)
}

func (cc chunkCodec) Size(c Chunk) int {
	var s Sizer
	cc.encode(&s, c)
	return s.N
}

func (cc chunkCodec) Marshal(c Chunk, bs []byte) int {
	w := NewWriter(bs)
	cc.encode(w, c)
	return w.N()
}

func (chunkCodec) Unmarshal(bs []byte) (Chunk, int, error) {
	r := NewReader(bs)
	r.version()
	var c Chunk
	c.ID = ID(r.Uint64())
	c.TenantID = TenantID(r.Str())
	c.DocumentID = ID(r.Uint64())
	c.Index = r.Int()
	c.Content = r.Str()
	c.Size = r.Int()
	c.VectorID = r.Int64()
	c.ContentHash = ID(r.Uint64())
	c.CreatedAt = r.Time()
	return c, r.N(), r.Err()
}
