package statestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// LayoutVersion is written into the metadata of every generator created by
// Setup. Stores with a different major version are rejected.
const LayoutVersion = "v1.0.0"

const metaLayoutVersion = "layoutVersion"

// CoreGenerators are created by Setup when no list is given.
var CoreGenerators = []string{"token-monitor", "time-based"}

// ErrLayoutMismatch is returned for state written by an incompatible layout.
var ErrLayoutMismatch = errors.New("incompatible state layout version")

// GeneratorSummary describes one generator for inspection commands.
type GeneratorSummary struct {
	Generator        string
	CurrentStateFile string
	IsFull           bool
	LastUpdated      string
	IndexedFiles     int
	PartialCount     int
	Fields           map[string]string
}

// CheckLayout verifies that meta was written by a compatible layout. Legacy
// metadata without a version is accepted.
func CheckLayout(meta *Metadata) error {
	v := meta.Get(metaLayoutVersion)
	if v == "" {
		return nil
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: malformed version %q", ErrLayoutMismatch, v)
	}
	if semver.Major(v) != semver.Major(LayoutVersion) {
		return fmt.Errorf("%w: have %s, want %s", ErrLayoutMismatch, v, semver.Major(LayoutVersion))
	}
	return nil
}

// Setup makes sure each generator has an initial full state and metadata.
// Generators that already exist are left untouched apart from the layout
// check. It returns the generators that were created.
func Setup(root string, generators []string, logger *zap.Logger) ([]string, error) {
	if len(generators) == 0 {
		generators = CoreGenerators
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(rootOrDefault(root), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state root: %w", err)
	}

	var created []string
	for _, gen := range generators {
		store, err := New(&Config{Root: root, Generator: gen, Logger: logger})
		if err != nil {
			return created, err
		}
		meta, err := store.LoadMeta()
		if err != nil {
			return created, err
		}
		if !meta.IsEmpty() {
			if err := CheckLayout(meta); err != nil {
				return created, fmt.Errorf("generator %s: %w", gen, err)
			}
			continue
		}
		if err := initialize(store); err != nil {
			return created, err
		}
		logger.Info("initialized generator state", zap.String("generator", gen))
		created = append(created, gen)
	}
	return created, nil
}

func initialize(store *Store) error {
	now := store.now().UTC().Format(timeLayout)
	content := fmt.Sprintf("# %s State\n\nInitialized at %s\n\n## Status\n\nInitialized", store.generator, now)
	_, err := store.Update(content, true, func(m *Metadata) {
		m.Set("generatorType", store.generator)
		m.Set("createdAt", now)
		m.Set(MetaPartialCount, "0")
		m.Set(metaLayoutVersion, LayoutVersion)
		m.SetSection("configuration", map[string]string{"initialized": "true"})
	})
	if err != nil {
		return fmt.Errorf("failed to initialize generator %s: %w", store.generator, err)
	}
	return nil
}

// ListGenerators returns the generator directories under root. A missing
// root yields an empty list.
func ListGenerators(root string) ([]string, error) {
	entries, err := os.ReadDir(rootOrDefault(root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list generators: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateGenerator(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Summary describes every generator under root.
func Summary(root string, logger *zap.Logger) ([]GeneratorSummary, error) {
	names, err := ListGenerators(root)
	if err != nil {
		return nil, err
	}
	out := make([]GeneratorSummary, 0, len(names))
	for _, name := range names {
		store, err := New(&Config{Root: root, Generator: name, Logger: logger})
		if err != nil {
			return nil, err
		}
		meta, err := store.LoadMeta()
		if err != nil {
			return nil, err
		}
		out = append(out, GeneratorSummary{
			Generator:        name,
			CurrentStateFile: meta.CurrentStateFile,
			IsFull:           meta.IsCurrentStateFull,
			LastUpdated:      meta.LastUpdated,
			IndexedFiles:     len(meta.StateFiles),
			PartialCount:     meta.Int(MetaPartialCount),
			Fields:           meta.Fields,
		})
	}
	return out, nil
}

// Age returns how long ago the summary's generator was last updated, or
// zero when unknown.
func (g GeneratorSummary) Age(now time.Time) time.Duration {
	t, err := time.Parse(time.RFC3339Nano, g.LastUpdated)
	if err != nil {
		return 0
	}
	return now.Sub(t)
}

// FormatCount is a small helper for CLI tables.
func (g GeneratorSummary) FormatCount() string {
	return strconv.Itoa(g.IndexedFiles) + "/" + strconv.Itoa(MaxIndexedStateFiles)
}

func rootOrDefault(root string) string {
	if root == "" {
		return DefaultRoot
	}
	return root
}
