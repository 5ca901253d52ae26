// Package status merges the host's view of the working copy, where big
// files appear as standins, with the shadow state, so callers see big files
// under their own names.
package status

import (
	"fmt"
	"path/filepath"

	"kbfiles/internal/match"
	"kbfiles/internal/shadow"
	"kbfiles/internal/standin"
	"kbfiles/internal/vcs"
	"kbfiles/shared/types"
	"kbfiles/shared/utils"

	"go.uber.org/zap"
)

// Mode selects between the reconciled view and the host's raw view.
type Mode int

const (
	// Composite reports big files under their own paths.
	Composite Mode = iota
	// Raw reports exactly what the host sees, standins included.
	Raw
)

// Request describes one status query.
type Request struct {
	// Base defaults to the working directory parent.
	Base vcs.Revision
	// Target is the working copy when nil.
	Target  vcs.Revision
	Matcher match.Matcher
	Options vcs.StatusOptions
	Mode    Mode
}

type Reconciler struct {
	repo   vcs.Repo
	shadow *shadow.Tracker
	logger *zap.Logger
}

func New(repo vcs.Repo, tracker *shadow.Tracker, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{repo: repo, shadow: tracker, logger: logger}
}

// Status answers req. In Composite mode against the working copy, unsure
// big files are settled by hashing, and the shadow state is written back
// when that confirmed any of them clean.
func (r *Reconciler) Status(req Request) (shared.Status, error) {
	m := req.Matcher
	if m == nil {
		m = match.All()
	}

	base := req.Base
	if base == nil {
		parent, err := r.repo.Revision(".")
		if err != nil {
			return shared.Status{}, fmt.Errorf("resolving working parent: %w", err)
		}
		base = parent
	}

	if req.Mode == Raw {
		return r.repo.Status(base, req.Target, m, req.Options)
	}

	working := req.Target == nil
	var tracked func(string) bool
	var ds vcs.Dirstate
	if working {
		var err error
		if ds, err = r.repo.Dirstate(); err != nil {
			return shared.Status{}, fmt.Errorf("reading dirstate: %w", err)
		}
		tracked = vcs.StandinTracked(ds)
	} else {
		tracked = vcs.InRevision(req.Target)
	}

	all := vcs.StatusOptions{Ignored: true, Clean: true, Unknown: true}
	host, err := r.repo.Status(base, req.Target, match.Standins(m, tracked), all)
	if err != nil {
		return shared.Status{}, fmt.Errorf("host status: %w", err)
	}

	var result shared.Status
	if working {
		result, err = r.working(base, m, ds, host)
		if err != nil {
			return shared.Status{}, err
		}
	} else {
		result = host.Map(func(p string) (string, bool) {
			if big, ok := standin.Split(p); ok {
				return big, true
			}
			return p, true
		})
	}

	if !req.Options.Unknown {
		result.Unknown = nil
	}
	if !req.Options.Ignored {
		result.Ignored = nil
	}
	if !req.Options.Clean {
		result.Clean = nil
	}
	result.Sort()
	return result, nil
}

func (r *Reconciler) working(base vcs.Revision, m match.Matcher, ds vcs.Dirstate, host shared.Status) (shared.Status, error) {
	parent, err := r.repo.Revision(".")
	if err != nil {
		return shared.Status{}, fmt.Errorf("resolving working parent: %w", err)
	}
	parentWorking := base.ID() == parent.ID()

	s, err := r.shadow.Status(match.Narrow(m, r.shadow.Has), vcs.StatusOptions{Ignored: true, Clean: true, Unknown: true})
	if err != nil {
		return shared.Status{}, fmt.Errorf("shadow status: %w", err)
	}
	big := s.Status

	if parentWorking {
		confirmed := 0
		for _, f := range s.Unsure {
			same, err := r.matchesStandin(base, f)
			if err != nil {
				return shared.Status{}, err
			}
			if !same {
				big.Modified = append(big.Modified, f)
				continue
			}
			big.Clean = append(big.Clean, f)
			if err := r.shadow.Normal(f); err != nil {
				return shared.Status{}, err
			}
			confirmed++
		}
		if confirmed > 0 {
			if err := r.shadow.Write(); err != nil {
				return shared.Status{}, err
			}
		}
	} else {
		tocheck := concat(s.Unsure, big.Modified, big.Added, big.Clean)
		big.Modified, big.Added, big.Clean = nil, nil, nil
		for _, f := range tocheck {
			if !base.Has(standin.Standin(f)) {
				big.Added = append(big.Added, f)
				continue
			}
			same, err := r.matchesStandin(base, f)
			if err != nil {
				return shared.Status{}, err
			}
			if same {
				big.Clean = append(big.Clean, f)
			} else {
				big.Modified = append(big.Modified, f)
			}
		}
	}

	for _, p := range base.Files() {
		f, ok := standin.Split(p)
		if !ok || !m.Match(f) {
			continue
		}
		if !r.shadow.Has(f) {
			big.Removed = append(big.Removed, f)
		}
	}

	var unknown []string
	for _, f := range s.Unknown {
		if ds.State(f) == vcs.Untracked && !standin.IsStandin(f) {
			unknown = append(unknown, f)
		}
	}
	hostIgnored := make(map[string]bool, len(host.Ignored))
	for _, f := range host.Ignored {
		hostIgnored[f] = true
	}
	var ignored []string
	for _, f := range s.Ignored {
		if hostIgnored[f] {
			ignored = append(ignored, f)
		}
	}

	normals := host.Map(func(p string) (string, bool) {
		return p, !standin.IsStandin(p)
	})
	return shared.Status{
		Modified: concat(normals.Modified, big.Modified),
		Added:    concat(normals.Added, big.Added),
		Removed:  concat(normals.Removed, big.Removed),
		Missing:  concat(normals.Missing, big.Missing),
		Unknown:  unknown,
		Ignored:  ignored,
		Clean:    concat(normals.Clean, big.Clean),
	}, nil
}

// matchesStandin compares the working copy of big file f with the hash
// recorded in its standin at rev.
func (r *Reconciler) matchesStandin(rev vcs.Revision, f string) (bool, error) {
	st := standin.Standin(f)
	if !rev.Has(st) {
		return false, nil
	}
	data, err := rev.Data(st)
	if err != nil {
		return false, fmt.Errorf("reading %s at %s: %w", st, rev.ID(), err)
	}
	want, err := standin.Parse(st, data)
	if err != nil {
		return false, err
	}
	got, err := utils.HashFile(filepath.Join(r.repo.Root(), filepath.FromSlash(f)))
	if err != nil {
		return false, fmt.Errorf("hashing %s: %w", f, err)
	}
	r.logger.Debug("rechecked big file", zap.String("file", f), zap.Bool("clean", got == want))
	return got == want, nil
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
