package fault

import "github.com/pkg/errors"

// SplitWriteFault tears a write on its occurrence-th invocation:
// the buffer is cut into equal parts (or explicit byte-length parts),
// and only the parts listed in Persist actually reach the backing
// file. Grounded on original_source's SplitWriteFault (parts/
// parts_bytes/persist), "crashes after" per §4.F.
type SplitWriteFault struct {
	base
	Parts      int
	PartsBytes []int
	Persist    []int
}

// FromParts builds a SplitWriteFault that divides the write buffer into
// `parts` equal-sized runs (original_source's from_parts).
func FromParts(pathRegex string, occurrence, parts int, persist []int) (*SplitWriteFault, error) {
	if parts <= 0 {
		return nil, errors.New("fault: parts must be >= 1")
	}
	b, err := newBase(pathRegex, occurrence)
	if err != nil {
		return nil, err
	}
	return &SplitWriteFault{base: b, Parts: parts, Persist: append([]int(nil), persist...)}, nil
}

// FromPartsBytes builds a SplitWriteFault with explicit per-run byte
// lengths (original_source's from_parts_bytes); the lengths must sum to
// the write buffer's length at Apply time.
func FromPartsBytes(pathRegex string, occurrence int, partsBytes []int, persist []int) (*SplitWriteFault, error) {
	if len(partsBytes) == 0 {
		return nil, errors.New("fault: parts_bytes must be non-empty")
	}
	b, err := newBase(pathRegex, occurrence)
	if err != nil {
		return nil, err
	}
	return &SplitWriteFault{
		base:       b,
		PartsBytes: append([]int(nil), partsBytes...),
		Persist:    append([]int(nil), persist...),
	}, nil
}

// RunOffsets returns each run's starting byte offset within a
// dataLen-byte write, using the same partitioning Apply uses internally
// (Parts or PartsBytes). A caller applying only the Persist-listed runs
// needs this to place each one at its real backing-file offset.
func (f *SplitWriteFault) RunOffsets(dataLen int) ([]int64, error) {
	if len(f.PartsBytes) > 0 {
		total := 0
		for _, n := range f.PartsBytes {
			total += n
		}
		if total != dataLen {
			return nil, errors.Errorf("fault: parts_bytes sum %d != buffer len %d", total, dataLen)
		}
		offsets := make([]int64, len(f.PartsBytes))
		var off int64
		for i, n := range f.PartsBytes {
			offsets[i] = off
			off += int64(n)
		}
		return offsets, nil
	}
	if dataLen%f.Parts != 0 {
		return nil, errors.Errorf("fault: buffer len %d not divisible by %d parts", dataLen, f.Parts)
	}
	runSize := int64(dataLen) / int64(f.Parts)
	offsets := make([]int64, f.Parts)
	for i := range offsets {
		offsets[i] = int64(i) * runSize
	}
	return offsets, nil
}

func (f *SplitWriteFault) split(data []byte) ([][]byte, error) {
	if len(f.PartsBytes) > 0 {
		total := 0
		for _, n := range f.PartsBytes {
			total += n
		}
		if total != len(data) {
			return nil, errors.Errorf("fault: parts_bytes sum %d != buffer len %d", total, len(data))
		}
		runs := make([][]byte, 0, len(f.PartsBytes))
		off := 0
		for _, n := range f.PartsBytes {
			runs = append(runs, data[off:off+n])
			off += n
		}
		return runs, nil
	}
	if len(data)%f.Parts != 0 {
		return nil, errors.Errorf("fault: buffer len %d not divisible by %d parts", len(data), f.Parts)
	}
	runSize := len(data) / f.Parts
	runs := make([][]byte, f.Parts)
	for i := range runs {
		runs[i] = data[i*runSize : (i+1)*runSize]
	}
	return runs, nil
}

// Apply decides what Apply's caller should actually write for this
// invocation. If this isn't the firing invocation, the full buffer
// passes through untouched. On the firing invocation the buffer is
// split and only the Persist-listed runs are returned (in original
// order, each tagged with its run index so the caller can still place
// it at the right file offset); the caller must treat a non-nil crash
// return as "write what's given, then stop — the rest never lands".
func (f *SplitWriteFault) Apply(data []byte) (runs map[int][]byte, crashed bool, err error) {
	if !f.advance() {
		return map[int][]byte{0: data}, false, nil
	}
	allRuns, err := f.split(data)
	if err != nil {
		return nil, false, err
	}
	kept := make(map[int][]byte, len(f.Persist))
	for _, idx := range f.Persist {
		if idx < 0 || idx >= len(allRuns) {
			continue
		}
		kept[idx] = allRuns[idx]
	}
	return kept, true, nil
}
