// Package shadow keeps the big-file tracking state that lives beside, not
// inside, the host's own tracked-file state. The host decides whether a big
// file is tracked (through its standin); this state decides whether the big
// file's bytes are dirty relative to that standin.
package shadow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"kbfiles/internal/match"
	"kbfiles/internal/standin"
	"kbfiles/internal/storage"
	"kbfiles/internal/vcs"
	"kbfiles/shared/types"
	"kbfiles/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	entryPrefix = "bfdirstate"
	metaPrefix  = "meta"
	metaID      = "bfdirstate"
)

// RacyWindow is how close to a write an mtime must be before the entry is
// flagged for a content recheck.
const RacyWindow = time.Second

// Entry is one big file's shadow state. Size, Mode and ModTime describe the
// file as it was when last confirmed clean.
type Entry struct {
	Path    string    `json:"path"`
	State   vcs.State `json:"state"`
	Mode    uint32    `json:"mode"`
	Size    int64     `json:"size"`
	ModTime int64     `json:"mtime"`
	// Lookup marks a normal entry whose content must be re-hashed before it
	// can be called clean.
	Lookup bool `json:"lookup,omitempty"`
}

func (e *Entry) GetID() string { return e.Path }

type marker struct {
	ID      string    `json:"id"`
	Written time.Time `json:"written"`
}

func (m *marker) GetID() string { return m.ID }

// Options configures a Tracker.
type Options struct {
	// Ignored applies the host's ignore rules.
	Ignored func(path string) bool
	// SkipDirs are top-level directories never reported as unknown.
	SkipDirs []string
	Logger   *zap.Logger
	Now      func() time.Time
}

// Tracker is the shadow state table. Mutations stay in memory until Write.
type Tracker struct {
	root        string
	entries     map[string]*Entry
	store       *storage.BadgerStore
	meta        *storage.BadgerStore
	initialized bool
	opts        Options
	mu          sync.Mutex
}

// Result is a shadow status. Unsure files changed on disk in a way only a
// hash comparison can settle.
type Result struct {
	shared.Status
	Unsure []string
}

// Open loads the persisted table for the working copy at root.
func Open(root string, db *badger.DB, opts Options) (*Tracker, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Ignored == nil {
		opts.Ignored = func(string) bool { return false }
	}

	t := &Tracker{
		root:    root,
		entries: make(map[string]*Entry),
		store:   storage.NewBadgerStore(db, entryPrefix),
		meta:    storage.NewBadgerStore(db, metaPrefix),
		opts:    opts,
	}

	err := t.store.Each(func(id string, raw []byte) error {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decoding entry %s: %w", id, err)
		}
		t.entries[e.Path] = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading shadow state: %w", err)
	}

	var m marker
	switch err := t.meta.Get(metaID, &m); {
	case err == nil:
		t.initialized = true
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("loading shadow state marker: %w", err)
	}

	opts.Logger.Debug("loaded shadow state", zap.Int("entries", len(t.entries)), zap.Bool("initialized", t.initialized))
	return t, nil
}

// Initialized reports whether the table was ever written for this working
// copy.
func (t *Tracker) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// Bootstrap seeds the table from the standins currently tracked by the
// host. recorded maps big-file path to the hash in its standin. Files whose
// bytes match are normal; the rest are flagged for recheck.
func (t *Tracker) Bootstrap(recorded map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p, want := range recorded {
		got, err := utils.HashFile(t.abs(p))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("hashing %s: %w", p, err)
		}
		if err == nil && got == want {
			if err := t.normalLocked(p); err != nil {
				return err
			}
			continue
		}
		t.entries[p] = &Entry{Path: p, State: vcs.Normal, Lookup: true}
	}
	t.initialized = true
	t.opts.Logger.Info("bootstrapped shadow state", zap.Int("files", len(recorded)))
	return nil
}

func (t *Tracker) abs(p string) string {
	return filepath.Join(t.root, filepath.FromSlash(p))
}

// Add marks p as newly added.
func (t *Tracker) Add(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[p] = &Entry{Path: p, State: vcs.Added}
}

// Remove marks p for removal; an added entry is simply dropped.
func (t *Tracker) Remove(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[p]
	if ok && e.State == vcs.Added {
		delete(t.entries, p)
		return
	}
	t.entries[p] = &Entry{Path: p, State: vcs.Removed}
}

// Normal records p as clean with its current stat data.
func (t *Tracker) Normal(p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.normalLocked(p)
}

func (t *Tracker) normalLocked(p string) error {
	info, err := os.Lstat(t.abs(p))
	if err != nil {
		return fmt.Errorf("recording %s as clean: %w", p, err)
	}
	t.entries[p] = &Entry{
		Path:    p,
		State:   vcs.Normal,
		Mode:    uint32(info.Mode()),
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}
	return nil
}

// NormalLookup records p as tracked but needing a content check.
func (t *Tracker) NormalLookup(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[p] = &Entry{Path: p, State: vcs.Normal, Lookup: true}
}

// Merge records p as the result of a merge.
func (t *Tracker) Merge(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[p] = &Entry{Path: p, State: vcs.Merged}
}

// Forget drops p without touching the file.
func (t *Tracker) Forget(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, p)
}

func (t *Tracker) Get(p string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[p]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// State returns p's state, Untracked when absent.
func (t *Tracker) State(p string) vcs.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[p]; ok {
		return e.State
	}
	return vcs.Untracked
}

// Has reports whether p has an entry in any state.
func (t *Tracker) Has(p string) bool {
	return t.State(p) != vcs.Untracked
}

// Paths lists every entry, sorted.
func (t *Tracker) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for p := range t.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Clear empties the table and forgets that it was ever bootstrapped.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*Entry)
	t.initialized = false
}

// Status classifies the matched entries against the working copy. Unknown
// and ignored files are found by walking the working copy.
func (t *Tracker) Status(m match.Matcher, opts vcs.StatusOptions) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res Result
	for p, e := range t.entries {
		if !m.Match(p) {
			continue
		}
		if err := t.classify(&res, e, opts); err != nil {
			return res, err
		}
	}

	if opts.Unknown || opts.Ignored {
		if err := t.walkUntracked(&res, m, opts); err != nil {
			return res, err
		}
	}

	res.Sort()
	sort.Strings(res.Unsure)
	return res, nil
}

func (t *Tracker) classify(res *Result, e *Entry, opts vcs.StatusOptions) error {
	p := e.Path
	if e.State == vcs.Removed {
		res.Removed = append(res.Removed, p)
		return nil
	}

	info, err := os.Lstat(t.abs(p))
	if errors.Is(err, fs.ErrNotExist) {
		res.Missing = append(res.Missing, p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", p, err)
	}

	switch {
	case e.State == vcs.Added:
		res.Added = append(res.Added, p)
	case e.State == vcs.Merged:
		res.Modified = append(res.Modified, p)
	case !info.Mode().IsRegular():
		res.Modified = append(res.Modified, p)
	case e.Lookup:
		res.Unsure = append(res.Unsure, p)
	case e.Size != info.Size() || standin.IsExecutable(os.FileMode(e.Mode)) != standin.IsExecutable(info.Mode()):
		res.Modified = append(res.Modified, p)
	case e.ModTime != info.ModTime().UnixNano():
		res.Unsure = append(res.Unsure, p)
	case opts.Clean:
		res.Clean = append(res.Clean, p)
	}
	return nil
}

func (t *Tracker) walkUntracked(res *Result, m match.Matcher, opts vcs.StatusOptions) error {
	skip := map[string]bool{standin.Dir: true}
	for _, d := range t.opts.SkipDirs {
		skip[d] = true
	}

	return filepath.WalkDir(t.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(t.root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skip[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		if _, tracked := t.entries[rel]; tracked || !m.Match(rel) {
			return nil
		}
		if t.opts.Ignored(rel) {
			if opts.Ignored {
				res.Ignored = append(res.Ignored, rel)
			}
			return nil
		}
		if opts.Unknown {
			res.Unknown = append(res.Unknown, rel)
		}
		return nil
	})
}

// Write persists the table. Entries whose files changed too recently to
// trust their mtime are flagged for recheck first.
func (t *Tracker) Write() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Now()
	entities := make([]storage.Entity, 0, len(t.entries))
	for _, e := range t.entries {
		if e.State == vcs.Normal && !e.Lookup && now.Sub(time.Unix(0, e.ModTime)) < RacyWindow {
			e.Lookup = true
		}
		entities = append(entities, e)
	}

	if err := t.store.Replace(entities); err != nil {
		return fmt.Errorf("writing shadow state: %w", err)
	}
	if err := t.meta.Put(&marker{ID: metaID, Written: now}); err != nil {
		return fmt.Errorf("writing shadow state marker: %w", err)
	}
	t.initialized = true
	t.opts.Logger.Debug("wrote shadow state", zap.Int("entries", len(entities)))
	return nil
}
