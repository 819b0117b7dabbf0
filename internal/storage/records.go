package storage

import (
	"encoding/binary"
	"io"
	"math"
	"runtime"
	"sync/atomic"
)

// recordStore holds capacity x width float32 words and guards each record
// with a sequence counter. The counter is odd while a write is in progress, so
// a reader that sees an odd or changed counter retries instead of returning a
// torn record. Words are accessed atomically, which keeps readers and the
// single writer race-free without a lock.
type recordStore struct {
	words    []uint32
	versions []uint32
	capacity int
	width    int
}

// validGeometry reports whether capacity records of width words can be
// addressed with int32 offsets and word counts.
func validGeometry(capacity, width int) bool {
	return capacity > 0 && width > 0 && capacity <= math.MaxInt32 && width <= math.MaxInt32/capacity
}

func newRecordStore(words []uint32, capacity, width int) *recordStore {
	return &recordStore{
		words:    words,
		versions: make([]uint32, capacity),
		capacity: capacity,
		width:    width,
	}
}

func (s *recordStore) check(offset, n int) error {
	if offset < 0 || offset >= s.capacity {
		return ErrOutOfRange
	}
	if n > s.width {
		return ErrWidth
	}
	return nil
}

func (s *recordStore) read(offset int, dst []float32) error {
	if err := s.check(offset, len(dst)); err != nil {
		return err
	}

	base := offset * s.width
	version := &s.versions[offset]
	for {
		before := atomic.LoadUint32(version)
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}
		for i := range dst {
			dst[i] = math.Float32frombits(atomic.LoadUint32(&s.words[base+i]))
		}
		if atomic.LoadUint32(version) == before {
			return nil
		}
	}
}

// write must not be called concurrently for the same offset.
func (s *recordStore) write(offset int, src []float32) error {
	if err := s.check(offset, len(src)); err != nil {
		return err
	}

	base := offset * s.width
	version := &s.versions[offset]
	atomic.AddUint32(version, 1)
	for i := 0; i < s.width; i++ {
		var bits uint32
		if i < len(src) {
			bits = math.Float32bits(src[i])
		}
		atomic.StoreUint32(&s.words[base+i], bits)
	}
	atomic.AddUint32(version, 1)
	return nil
}

// writeTo streams every word little-endian.
func (s *recordStore) writeTo(w io.Writer) (int64, error) {
	const chunkWords = 16 * 1024
	buf := make([]byte, 0, chunkWords*4)
	var written int64

	for i := 0; i < len(s.words); i++ {
		buf = binary.LittleEndian.AppendUint32(buf, atomic.LoadUint32(&s.words[i]))
		if len(buf) == cap(buf) || i == len(s.words)-1 {
			n, err := w.Write(buf)
			written += int64(n)
			if err != nil {
				return written, err
			}
			buf = buf[:0]
		}
	}
	return written, nil
}

// readFrom replaces every word from a little-endian stream. Callers must
// ensure no reader or writer is active.
func (s *recordStore) readFrom(r io.Reader) error {
	const chunkWords = 16 * 1024
	buf := make([]byte, chunkWords*4)

	for i := 0; i < len(s.words); {
		n := len(s.words) - i
		if n > chunkWords {
			n = chunkWords
		}
		if _, err := io.ReadFull(r, buf[:n*4]); err != nil {
			return err
		}
		for j := 0; j < n; j++ {
			atomic.StoreUint32(&s.words[i+j], binary.LittleEndian.Uint32(buf[j*4:]))
		}
		i += n
	}
	return nil
}
