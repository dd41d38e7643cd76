// Package statestore persists generator state as a chain of markdown
// checkpoints. Each save writes a new immutable entry that links back to the
// previous head; full entries are self-contained and partial entries only
// carry the sections they add. A metadata document per generator tracks the
// head of the chain and a capped index of recent entries.
package statestore

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRoot is the directory holding one subdirectory per generator.
	DefaultRoot = "interrupt-state"

	// MetaFilename is the metadata document inside a generator directory.
	MetaFilename = "state.meta.md"

	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// ErrInvalidGenerator is returned for generator names that cannot be used as
// a directory name.
var ErrInvalidGenerator = errors.New("invalid generator name")

// Config configures a Store.
type Config struct {
	Root      string
	Generator string
	Logger    *zap.Logger
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Store is the chained checkpoint store for a single generator. A Store
// exclusively owns its generator directory.
type Store struct {
	generator string
	dir       string
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

// HistoryEntry is one raw chain entry as returned by StateHistory.
type HistoryEntry struct {
	Filename     string
	IsFull       bool
	CreatedAt    string
	PreviousFile string
	Content      string
}

// New creates a Store for cfg.Generator under cfg.Root. The directory is
// created lazily on the first write.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := ValidateGenerator(cfg.Generator); err != nil {
		return nil, err
	}
	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		generator: cfg.Generator,
		dir:       filepath.Join(root, cfg.Generator),
		logger:    logger.Named("statestore").With(zap.String("generator", cfg.Generator)),
		now:       now,
	}, nil
}

// ValidateGenerator checks that name is usable as a generator directory.
func ValidateGenerator(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidGenerator, name)
	}
	return nil
}

// Generator returns the generator name.
func (s *Store) Generator() string { return s.generator }

// Dir returns the generator directory.
func (s *Store) Dir() string { return s.dir }

// LoadMeta reads the metadata document. A generator that has never been
// saved yields empty metadata and no error.
func (s *Store) LoadMeta() (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadMeta()
}

func (s *Store) loadMeta() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, MetaFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewMetadata(), nil
		}
		return nil, fmt.Errorf("failed to read metadata for %s: %w", s.generator, err)
	}
	return parseMeta(string(data)), nil
}

// SaveMeta writes the metadata document.
func (s *Store) SaveMeta(meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMeta(meta)
}

func (s *Store) saveMeta(meta *Metadata) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", s.dir, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, MetaFilename), []byte(formatMeta(meta))); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", s.generator, err)
	}
	return nil
}

// SaveState appends a chain entry and advances the head pointer.
func (s *Store) SaveState(content string, isFull bool) (string, error) {
	return s.Update(content, isFull, nil)
}

// Update appends a chain entry and writes metadata once, after apply has had
// a chance to set generator-specific fields. The head bookkeeping fields are
// always owned by the store.
func (s *Store) Update(content string, isFull bool, apply func(*Metadata)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta()
	if err != nil {
		return "", err
	}
	if apply != nil {
		apply(meta)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory %s: %w", s.dir, err)
	}

	now := s.now()
	filename, err := s.nextFilename(content, isFull, now, meta.CurrentStateFile)
	if err != nil {
		return "", err
	}
	created := now.UTC().Format(timeLayout)
	trailer := entryTrailer{Previous: meta.CurrentStateFile, IsFull: isFull, Created: created}
	if err := writeFileAtomic(filepath.Join(s.dir, filename), []byte(content+trailer.render())); err != nil {
		return "", fmt.Errorf("failed to write state file %s: %w", filename, err)
	}

	meta.CurrentStateFile = filename
	meta.LastUpdated = created
	meta.IsCurrentStateFull = isFull
	meta.pushStateFile(StateFileInfo{Filename: filename, Timestamp: created, IsFullState: isFull})
	if err := s.saveMeta(meta); err != nil {
		return "", err
	}

	s.logger.Debug("saved state",
		zap.String("file", filename),
		zap.Bool("full", isFull),
		zap.String("previous", trailer.Previous))
	return filename, nil
}

// nextFilename builds state_<unixms>_<kind>_<md5>.md, bumping the timestamp
// when the name would collide with an existing entry.
func (s *Store) nextFilename(content string, isFull bool, now time.Time, previous string) (string, error) {
	sum := md5.Sum([]byte(content))
	hash := hex.EncodeToString(sum[:])
	ms := now.UnixMilli()
	for {
		name := fmt.Sprintf("state_%d_%s_%s.md", ms, kindOf(isFull), hash)
		if name == previous {
			ms++
			continue
		}
		_, err := os.Stat(filepath.Join(s.dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat state file %s: %w", name, err)
		}
		ms++
	}
}

// LoadState returns the reconstructed current content: the head verbatim when
// it is a full entry, otherwise the merge of the chain back to the nearest
// full entry.
func (s *Store) LoadState() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta()
	if err != nil {
		return "", err
	}
	if meta.CurrentStateFile == "" {
		return "", nil
	}

	chain, err := s.walk(meta.CurrentStateFile)
	if err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return "", nil
	}
	if len(chain) == 1 && chain[0].IsFull {
		return chain[0].Content, nil
	}

	contents := make([]string, len(chain))
	for i, e := range chain {
		contents[i] = e.Content
	}
	return MergeSections(contents), nil
}

// StateHistory returns the raw chain back to the nearest full entry in
// chronological order, without merging.
func (s *Store) StateHistory() ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	if meta.CurrentStateFile == "" {
		return nil, nil
	}
	return s.walk(meta.CurrentStateFile)
}

// ListStateFiles returns the capped index of recent entries, newest first.
func (s *Store) ListStateFiles() ([]StateFileInfo, error) {
	meta, err := s.LoadMeta()
	if err != nil {
		return nil, err
	}
	return meta.StateFiles, nil
}

// walk follows Previous State pointers from head until a full entry or the
// start of the chain. A missing entry ends the walk with whatever was
// collected. The result is chronological.
func (s *Store) walk(head string) ([]HistoryEntry, error) {
	var (
		chain []HistoryEntry
		seen  = make(map[string]bool)
	)
	for name := head; name != ""; {
		if seen[name] {
			s.logger.Warn("state chain loops back on itself", zap.String("file", name))
			break
		}
		seen[name] = true

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("state file missing from chain, reconstructing from collected entries",
					zap.String("file", name), zap.Int("collected", len(chain)))
				break
			}
			return nil, fmt.Errorf("failed to read state file %s: %w", name, err)
		}

		content, trailer := splitEntry(string(data))
		chain = append(chain, HistoryEntry{
			Filename:     name,
			IsFull:       trailer.IsFull,
			CreatedAt:    trailer.Created,
			PreviousFile: trailer.Previous,
			Content:      content,
		})
		if trailer.IsFull {
			break
		}
		name = trailer.Previous
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
