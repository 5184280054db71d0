package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755

	activeSuffix = ".jsonl"
	sealedSuffix = ".jsonl.zst"
)

// segment is one sealed, zstd-compressed run of records.
type segment struct {
	path      string
	partition int
	first     int64
	last      int64
}

func activePath(dir string, partition int) string {
	return filepath.Join(dir, "partition-"+strconv.Itoa(partition)+activeSuffix)
}

func sealedPath(dir string, partition int, first, last int64) string {
	return filepath.Join(dir, fmt.Sprintf("partition-%d-%d-%d%s", partition, first, last, sealedSuffix))
}

// parseName recognizes partition-<p>.jsonl and partition-<p>-<first>-<last>.jsonl.zst.
func parseName(name string) (seg segment, sealed bool, ok bool) {
	if !strings.HasPrefix(name, "partition-") {
		return segment{}, false, false
	}
	rest := strings.TrimPrefix(name, "partition-")
	switch {
	case strings.HasSuffix(rest, sealedSuffix):
		parts := strings.Split(strings.TrimSuffix(rest, sealedSuffix), "-")
		if len(parts) != 3 {
			return segment{}, false, false
		}
		p, err1 := strconv.Atoi(parts[0])
		first, err2 := strconv.ParseInt(parts[1], 10, 64)
		last, err3 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || p < 0 {
			return segment{}, false, false
		}
		return segment{partition: p, first: first, last: last}, true, true
	case strings.HasSuffix(rest, activeSuffix):
		p, err := strconv.Atoi(strings.TrimSuffix(rest, activeSuffix))
		if err != nil || p < 0 {
			return segment{}, false, false
		}
		return segment{partition: p}, false, true
	}
	return segment{}, false, false
}

// listDir returns the sealed segments per partition ordered by first
// position, plus the set of partitions that have an active file.
func listDir(dir string) (map[int][]segment, map[int]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int][]segment{}, map[int]bool{}, nil
		}
		return nil, nil, fmt.Errorf("eventlog: read dir: %w", err)
	}
	sealed := make(map[int][]segment)
	active := make(map[int]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seg, isSealed, ok := parseName(e.Name())
		if !ok {
			continue
		}
		if isSealed {
			seg.path = filepath.Join(dir, e.Name())
			sealed[seg.partition] = append(sealed[seg.partition], seg)
		} else {
			active[seg.partition] = true
		}
	}
	for p := range sealed {
		segs := sealed[p]
		sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })
	}
	return sealed, active, nil
}

// scanLines calls fn for every complete line of r. A trailing line without
// a newline is a torn write and is ignored.
func scanLines(r io.Reader, fn func(line []byte) (bool, error)) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			more, ferr := fn(line[:len(line)-1])
			if ferr != nil {
				return ferr
			}
			if !more {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

// readSegment streams the lines of a sealed segment.
func readSegment(path string, fn func(line []byte) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("eventlog: open segment: %w", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("eventlog: segment decoder: %w", err)
	}
	defer dec.Close()
	if err := scanLines(dec, fn); err != nil {
		return fmt.Errorf("eventlog: read %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readActive streams the complete lines of an active partition file.
func readActive(path string, fn func(line []byte) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("eventlog: open active file: %w", err)
	}
	defer f.Close()
	if err := scanLines(f, fn); err != nil {
		return fmt.Errorf("eventlog: read %s: %w", filepath.Base(path), err)
	}
	return nil
}
