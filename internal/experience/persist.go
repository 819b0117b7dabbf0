package experience

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const (
	// SequenceLogFile names the binary sequence log inside the pool directory
	SequenceLogFile = "sequences"

	// start int32, length int32, infinite bool
	locationRecordSize = 9
)

// RecoverResult reports what Recover found on disk.
type RecoverResult int

const (
	// RecoverAbsent means no prior state was found.
	RecoverAbsent RecoverResult = iota
	// RecoverRestored means the index and records were loaded.
	RecoverRestored
	// RecoverMalformed means prior state existed but could not be trusted and
	// the pool was started empty.
	RecoverMalformed
)

func (r RecoverResult) String() string {
	switch r {
	case RecoverAbsent:
		return "absent"
	case RecoverRestored:
		return "restored"
	case RecoverMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Descriptor is the JSON document written next to the sequence log.
type Descriptor struct {
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	StateDims  []int       `json:"stateDims"`
	StateType  ElementType `json:"stateType,omitempty"`
	ActionDims []int       `json:"actionDims"`
	ActionType ElementType `json:"actionType,omitempty"`
	MaxSize    int         `json:"maxSize"`
	Sequences  int         `json:"sequences"`
	Checksum   string      `json:"checksum"`

	// RecordsChecksum covers every record the sequence log describes, as the
	// backend held them when the dump was taken
	RecordsChecksum string `json:"recordsChecksum"`
}

// errMalformed wraps everything that makes persisted state untrustworthy.
var errMalformed = errors.New("malformed persisted state")

// Dump persists the backend records first, then the sequence log and finally
// the descriptor, which commits the dump. Appends wait for it to finish.
func (p *Pool) Dump(ctx context.Context) error {
	if p.cfg.Dir == "" {
		return ErrPersistenceDisabled
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create pool dir: %w", err)
	}

	records, err := p.recordsChecksum()
	if err != nil {
		return err
	}
	if err := p.backend.Dump(ctx); err != nil {
		return fmt.Errorf("failed to dump records: %w", err)
	}

	log := encodeLocations(p.index.locs)
	desc := Descriptor{
		Name:            p.cfg.Name,
		Type:            p.backend.Kind(),
		StateDims:       p.cfg.StateDims,
		StateType:       p.cfg.StateType,
		ActionDims:      p.cfg.ActionDims,
		ActionType:      p.cfg.ActionType,
		MaxSize:         p.cfg.Capacity,
		Sequences:       len(p.index.locs),
		Checksum:        checksum(log),
		RecordsChecksum: records,
	}
	descBytes, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}

	if err := writeFileAtomic(p.sequenceLogPath(), log); err != nil {
		return fmt.Errorf("failed to write sequence log: %w", err)
	}
	if err := writeFileAtomic(p.descriptorPath(), descBytes); err != nil {
		return fmt.Errorf("failed to write descriptor: %w", err)
	}

	p.logger.Info().
		Int("sequences", len(p.index.locs)).
		Int("size", p.index.samples).
		Str("dir", p.cfg.Dir).
		Msg("Experience pool dumped")
	return nil
}

// Recover replaces the pool contents with the state last written by Dump. A
// missing sequence log leaves the pool empty without an error. So does one
// that cannot be read or trusted, including one whose records on the backend
// are not the ones it was dumped with; the result tells the cases apart.
func (p *Pool) Recover(ctx context.Context) (RecoverResult, error) {
	if p.cfg.Dir == "" {
		return RecoverAbsent, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.index.clear()

	log, err := os.ReadFile(p.sequenceLogPath())
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Info().Str("dir", p.cfg.Dir).Msg("No persisted experience found, starting empty")
		return RecoverAbsent, nil
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("dir", p.cfg.Dir).Msg("Sequence log is unreadable, starting empty")
		return RecoverMalformed, nil
	}

	desc, err := p.loadLocations(log)
	if err != nil {
		p.logger.Warn().Err(err).Str("dir", p.cfg.Dir).Msg("Persisted experience is malformed, starting empty")
		return RecoverMalformed, nil
	}

	if err := p.backend.Recover(ctx); err != nil {
		p.index.clear()
		return RecoverAbsent, fmt.Errorf("failed to recover records: %w", err)
	}

	records, err := p.recordsChecksum()
	if err != nil {
		p.index.clear()
		return RecoverAbsent, err
	}
	if records != desc.RecordsChecksum {
		p.index.clear()
		p.logger.Warn().Str("dir", p.cfg.Dir).Msg("Persisted records do not match the sequence log, starting empty")
		return RecoverMalformed, nil
	}

	p.logger.Info().
		Int("sequences", p.index.len()).
		Int("size", p.index.samples).
		Bool("infinite", p.index.infinite > 0).
		Msg("Experience pool recovered")
	return RecoverRestored, nil
}

// recordsChecksum hashes every record the index covers, in index order,
// including the extra record of infinite sequences. The caller holds the
// write lock.
func (p *Pool) recordsChecksum() (string, error) {
	bufp := p.scratch.Get().(*[]float32)
	defer p.scratch.Put(bufp)
	record := *bufp
	raw := make([]byte, 4*len(record))

	d := xxhash.New()
	for _, loc := range p.index.locs {
		for i := 0; i < loc.span(); i++ {
			offset := (loc.Start + i) % p.cfg.Capacity
			if err := p.backend.ReadRecord(offset, record); err != nil {
				return "", fmt.Errorf("failed to read record %d: %w", offset, err)
			}
			for j, v := range record {
				binary.LittleEndian.PutUint32(raw[4*j:], math.Float32bits(v))
			}
			d.Write(raw)
		}
	}
	return strconv.FormatUint(d.Sum64(), 16), nil
}

// loadLocations checks log against the descriptor and installs it as the
// index.
func (p *Pool) loadLocations(log []byte) (Descriptor, error) {
	var desc Descriptor
	descBytes, err := os.ReadFile(p.descriptorPath())
	if err != nil {
		return desc, fmt.Errorf("%w: descriptor: %v", errMalformed, err)
	}
	if err := json.Unmarshal(descBytes, &desc); err != nil {
		return desc, fmt.Errorf("%w: descriptor: %v", errMalformed, err)
	}
	if desc.MaxSize != p.cfg.Capacity {
		return desc, fmt.Errorf("%w: persisted capacity %d, pool capacity %d", errMalformed, desc.MaxSize, p.cfg.Capacity)
	}
	if volume(desc.StateDims) != p.codec.StateSize || volume(desc.ActionDims) != p.codec.ActionSize {
		return desc, fmt.Errorf("%w: persisted shapes %v/%v do not match pool", errMalformed, desc.StateDims, desc.ActionDims)
	}
	if desc.Checksum != checksum(log) {
		return desc, fmt.Errorf("%w: sequence log checksum mismatch", errMalformed)
	}

	locs, err := decodeLocations(log)
	if err != nil {
		return desc, err
	}
	if err := p.index.restore(locs); err != nil {
		return desc, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return desc, nil
}

func (p *Pool) descriptorPath() string {
	return DescriptorPath(p.cfg.Dir, p.cfg.Name)
}

// DescriptorPath returns where a pool named name keeps its descriptor.
func DescriptorPath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

func (p *Pool) sequenceLogPath() string {
	return filepath.Join(p.cfg.Dir, SequenceLogFile)
}

func encodeLocations(locs []SequenceLocation) []byte {
	buf := make([]byte, 0, len(locs)*locationRecordSize)
	for _, loc := range locs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(loc.Start)))
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(loc.Length)))
		if loc.Infinite {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeLocations(buf []byte) ([]SequenceLocation, error) {
	if len(buf)%locationRecordSize != 0 {
		return nil, fmt.Errorf("%w: sequence log has %d trailing bytes", errMalformed, len(buf)%locationRecordSize)
	}
	locs := make([]SequenceLocation, 0, len(buf)/locationRecordSize)
	for off := 0; off < len(buf); off += locationRecordSize {
		rec := buf[off : off+locationRecordSize]
		locs = append(locs, SequenceLocation{
			Start:    int(int32(binary.BigEndian.Uint32(rec[0:]))),
			Length:   int(int32(binary.BigEndian.Uint32(rec[4:]))),
			Infinite: rec[8] != 0,
		})
	}
	return locs, nil
}

func checksum(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// writeFileAtomic replaces path with data so readers never see a partial
// file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
