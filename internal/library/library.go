// Package library stores named macros in an embedded bbolt database. Each
// macro is kept in the macro file text format, so library entries and
// macro files share one codec.
package library

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dshills/macroreplay/internal/logging"
	"github.com/dshills/macroreplay/internal/macro"
	"github.com/dshills/macroreplay/internal/macro/format"
)

var (
	// ErrNotFound is returned when no macro has the requested name.
	ErrNotFound = errors.New("macro not found")

	// ErrExists is returned by Import when the name is taken and overwrite
	// was not requested.
	ErrExists = errors.New("macro already exists")

	// ErrInvalidName is returned for names that cannot be stored.
	ErrInvalidName = errors.New("invalid macro name")
)

var macrosBucket = []byte("macros")

// DefaultOpenTimeout bounds waiting for another process's lock on the file.
const DefaultOpenTimeout = time.Second

// Entry summarizes one stored macro.
type Entry struct {
	Name       string
	CreatedAt  time.Time
	Absolute   bool
	Events     int
	DurationMs int64
	Bytes      int
}

// Library is a macro store. It is safe for concurrent use.
type Library struct {
	db     *bolt.DB
	path   string
	logger *slog.Logger
}

// Option configures a Library.
type Option func(*options)

type options struct {
	timeout  time.Duration
	readOnly bool
	logger   *slog.Logger
}

// WithTimeout sets how long Open waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithReadOnly opens the database read-only.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Open opens or creates the library at path.
func Open(path string, opts ...Option) (*Library, error) {
	o := options{timeout: DefaultOpenTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create library directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: o.timeout, ReadOnly: o.readOnly})
	if err != nil {
		return nil, fmt.Errorf("open library %s: %w", path, err)
	}
	if !o.readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(macrosBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize library: %w", err)
		}
	}

	return &Library{
		db:     db,
		path:   path,
		logger: logging.Component(o.logger, "library"),
	}, nil
}

// Path returns the database file path.
func (l *Library) Path() string {
	return l.path
}

// Close closes the database.
func (l *Library) Close() error {
	return l.db.Close()
}

// ValidateName checks that name can be used as a library key and as a
// macro header value.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrInvalidName, name)
	}
	return nil
}

// Put stores seq under its name, replacing any existing macro.
func (l *Library) Put(seq *macro.Sequence) error {
	if seq == nil {
		return errors.New("nil sequence")
	}
	if err := ValidateName(seq.Name); err != nil {
		return err
	}
	data, err := format.Marshal(seq)
	if err != nil {
		return fmt.Errorf("encode %q: %w", seq.Name, err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		return bucket(tx).Put([]byte(seq.Name), data)
	})
	if err != nil {
		return fmt.Errorf("store %q: %w", seq.Name, err)
	}
	l.logger.Debug("macro stored", "name", seq.Name, "events", seq.Len(), "bytes", len(data))
	return nil
}

// Get loads the macro called name.
func (l *Library) Get(name string) (*macro.Sequence, error) {
	var data []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		b := bucket(tx)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", name, err)
	}

	seq, err := format.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", name, err)
	}
	return seq, nil
}

// Has reports whether a macro called name exists.
func (l *Library) Has(name string) bool {
	found := false
	_ = l.db.View(func(tx *bolt.Tx) error {
		if b := bucket(tx); b != nil {
			found = b.Get([]byte(name)) != nil
		}
		return nil
	})
	return found
}

// List returns every stored macro, sorted by name. Entries that fail to
// decode are skipped and logged.
func (l *Library) List() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := bucket(tx)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			seq, err := format.Unmarshal(v)
			if err != nil {
				l.logger.Warn("skipping unreadable macro", "name", string(k), "error", err)
				return nil
			}
			entries = append(entries, entryOf(string(k), seq, len(v)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list macros: %w", err)
	}
	return entries, nil
}

// Info returns the summary of one macro.
func (l *Library) Info(name string) (Entry, error) {
	seq, err := l.Get(name)
	if err != nil {
		return Entry{}, err
	}
	data, err := format.Marshal(seq)
	if err != nil {
		return Entry{}, err
	}
	return entryOf(name, seq, len(data)), nil
}

// Delete removes the macro called name.
func (l *Library) Delete(name string) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := bucket(tx)
		if b == nil || b.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	l.logger.Debug("macro deleted", "name", name)
	return nil
}

// Rename moves a macro to a new name. The target must not exist.
func (l *Library) Rename(from, to string) error {
	if err := ValidateName(to); err != nil {
		return err
	}
	seq, err := l.Get(from)
	if err != nil {
		return err
	}
	seq.Name = to
	data, err := format.Marshal(seq)
	if err != nil {
		return fmt.Errorf("encode %q: %w", to, err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		b := bucket(tx)
		if b.Get([]byte(to)) != nil {
			return ErrExists
		}
		if err := b.Put([]byte(to), data); err != nil {
			return err
		}
		return b.Delete([]byte(from))
	})
	if err != nil {
		return fmt.Errorf("rename %q to %q: %w", from, to, err)
	}
	return nil
}

// Import loads a macro file and stores it. An empty name keeps the name
// from the file. Existing macros are only replaced when overwrite is set.
func (l *Library) Import(path, name string, overwrite bool) (*macro.Sequence, error) {
	seq, err := format.Load(path)
	if err != nil {
		return nil, err
	}
	if name != "" {
		seq.Name = name
	}
	if err := ValidateName(seq.Name); err != nil {
		return nil, err
	}
	if !overwrite && l.Has(seq.Name) {
		return nil, fmt.Errorf("import %s as %q: %w", path, seq.Name, ErrExists)
	}
	if err := l.Put(seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// Export writes the macro called name to a macro file at path.
func (l *Library) Export(name, path string) error {
	seq, err := l.Get(name)
	if err != nil {
		return err
	}
	return format.Save(path, seq)
}

func bucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(macrosBucket)
}

func entryOf(name string, seq *macro.Sequence, size int) Entry {
	return Entry{
		Name:       name,
		CreatedAt:  seq.CreatedAt,
		Absolute:   seq.IsAbsolute,
		Events:     seq.Len(),
		DurationMs: seq.TotalDurationMs(),
		Bytes:      size,
	}
}
