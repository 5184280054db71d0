package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
)

type partitionState struct {
	file  *os.File
	first int64 // first position in the active file, 0 when empty
	last  int64 // highest position written to the partition
}

// Writer appends records to an event log directory. Every append is synced
// to disk before it returns.
type Writer struct {
	mu         sync.Mutex
	dir        string
	partitions map[int]*partitionState
	closed     bool
}

// OpenWriter opens or creates the log in dir. Torn trailing lines and
// records already covered by a sealed segment are dropped from the active
// files.
func OpenWriter(dir string) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("eventlog: dir is empty")
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir: %w", err)
	}
	sealed, active, err := listDir(dir)
	if err != nil {
		return nil, err
	}
	w := &Writer{dir: dir, partitions: make(map[int]*partitionState)}
	for p, segs := range sealed {
		w.partitions[p] = &partitionState{last: segs[len(segs)-1].last}
	}
	for p := range active {
		st := w.partitions[p]
		if st == nil {
			st = &partitionState{}
			w.partitions[p] = st
		}
		if err := recoverActive(activePath(dir, p), st); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// recoverActive rewrites the active file keeping complete records past the
// sealed range.
func recoverActive(path string, st *partitionState) error {
	sealedLast := st.last
	var kept [][]byte
	var p fastjson.Parser
	err := readActive(path, func(line []byte) (bool, error) {
		v, perr := p.ParseBytes(line)
		if perr != nil {
			return false, nil
		}
		pos := v.GetInt64("position")
		if pos <= sealedLast {
			return true, nil
		}
		if st.first == 0 {
			st.first = pos
		}
		if pos > st.last {
			st.last = pos
		}
		kept = append(kept, append([]byte(nil), line...))
		return true, nil
	})
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("eventlog: open recover tmp: %w", err)
	}
	for _, line := range kept {
		if _, err := f.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("eventlog: recover write: %w", err)
		}
	}
	if err := syncClose(f); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("eventlog: recover rename: %w", err)
	}
	return nil
}

// Append writes rec to its partition. Positions must strictly increase per
// partition.
func (w *Writer) Append(rec Record) error {
	if _, err := valueEntity(rec.ValueType); err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	if rec.PartitionID < 0 {
		return fmt.Errorf("eventlog: append: negative partition %d", rec.PartitionID)
	}
	if len(rec.Value) == 0 {
		rec.Value = json.RawMessage("{}")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventlog: marshal record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("eventlog: writer closed")
	}
	st, err := w.partitionLocked(rec.PartitionID)
	if err != nil {
		return err
	}
	if rec.Position <= st.last {
		return fmt.Errorf("eventlog: position %d not after %d in partition %d", rec.Position, st.last, rec.PartitionID)
	}
	if _, err := st.file.Write(line); err != nil {
		return fmt.Errorf("eventlog: write record: %w", err)
	}
	if err := st.file.Sync(); err != nil {
		return fmt.Errorf("eventlog: sync record: %w", err)
	}
	if st.first == 0 {
		st.first = rec.Position
	}
	st.last = rec.Position
	return nil
}

func (w *Writer) partitionLocked(partition int) (*partitionState, error) {
	st := w.partitions[partition]
	if st == nil {
		st = &partitionState{}
		w.partitions[partition] = st
	}
	if st.file == nil {
		f, err := os.OpenFile(activePath(w.dir, partition), os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
		if err != nil {
			return nil, fmt.Errorf("eventlog: open active file: %w", err)
		}
		st.file = f
	}
	return st, nil
}

// Seal compresses the active file of partition into a sealed segment and
// starts a new active file. It returns the segment path, or "" when the
// active file is empty.
func (w *Writer) Seal(partition int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", errors.New("eventlog: writer closed")
	}
	st := w.partitions[partition]
	if st == nil || st.first == 0 {
		return "", nil
	}

	src := activePath(w.dir, partition)
	dst := sealedPath(w.dir, partition, st.first, st.last)
	tmp := dst + ".tmp"
	if err := compressFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("eventlog: rename segment: %w", err)
	}

	if st.file != nil {
		_ = st.file.Close()
		st.file = nil
	}
	if err := os.Truncate(src, 0); err != nil {
		return "", fmt.Errorf("eventlog: truncate active file: %w", err)
	}
	st.first = 0
	return dst, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("eventlog: open active file: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("eventlog: open segment tmp: %w", err)
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("eventlog: segment encoder: %w", err)
	}
	werr := scanLines(in, func(line []byte) (bool, error) {
		if _, err := enc.Write(append(line, '\n')); err != nil {
			return false, err
		}
		return true, nil
	})
	if werr != nil {
		_ = enc.Close()
		_ = out.Close()
		return fmt.Errorf("eventlog: compress: %w", werr)
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("eventlog: flush segment: %w", err)
	}
	return syncClose(out)
}

func syncClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("eventlog: sync %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("eventlog: close %s: %w", f.Name(), err)
	}
	return nil
}

// Close closes every active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	for _, st := range w.partitions {
		if st.file == nil {
			continue
		}
		if err := st.file.Close(); err != nil {
			errs = append(errs, err)
		}
		st.file = nil
	}
	return errors.Join(errs...)
}
