package clickhouse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Dumper keeps batches that could not be published.
type Dumper interface {
	// Dump stores rows as one batch.
	Dump(rows []Row) error

	// Return removes and returns the oldest batch. ok is false when the
	// dumper is empty.
	Return() (rows []Row, ok bool, err error)
}

// ErrDiscarded is returned by NullDumper.Dump: the batch was not kept.
var ErrDiscarded = errors.New("batch discarded")

// NullDumper discards everything.
type NullDumper struct{}

// NewNullDumper returns a Dumper that drops batches.
func NewNullDumper() Dumper { return NullDumper{} }

func (NullDumper) Dump([]Row) error             { return ErrDiscarded }
func (NullDumper) Return() ([]Row, bool, error) { return nil, false, nil }

const spoolExt = ".jsonl"

// FileDumper spools each batch to its own JSON-lines file in a directory.
// File names sort in dump order.
type FileDumper struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileDumper creates dir if needed.
func NewFileDumper(dir string) (*FileDumper, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &FileDumper{dir: dir, now: time.Now}, nil
}

// Dump writes rows atomically as a new spool file. An empty batch is a no-op.
func (d *FileDumper) Dump(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode spool row: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	name := fmt.Sprintf("%020d-%s%s", d.now().UnixNano(), uuid.NewString(), spoolExt)
	if err := renameio.WriteFile(filepath.Join(d.dir, name), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	return nil
}

// Return reads and deletes the oldest spool file.
func (d *FileDumper) Return() ([]Row, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names, err := d.spooled()
	if err != nil {
		return nil, false, err
	}
	if len(names) == 0 {
		return nil, false, nil
	}
	path := filepath.Join(d.dir, names[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read spool file: %w", err)
	}

	var rows []Row
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Row
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, false, fmt.Errorf("decode spool file %s: %w", names[0], err)
		}
		rows = append(rows, r)
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("scan spool file %s: %w", names[0], err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("remove spool file: %w", err)
	}
	return rows, true, nil
}

// Len returns the number of spooled batches.
func (d *FileDumper) Len() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names, err := d.spooled()
	return len(names), err
}

func (d *FileDumper) spooled() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list spool dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), spoolExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
