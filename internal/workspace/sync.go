package workspace

import (
	"context"
	"fmt"

	"kbfiles/internal/status"
	"kbfiles/internal/store"
	"kbfiles/internal/transfer"
	"kbfiles/internal/vcs"
	"kbfiles/shared/types"

	"go.uber.org/zap"
)

// Outgoing lists the big files that revisions not yet at dest reference.
func (w *Workspace) Outgoing(ctx context.Context, dest string) ([]store.File, error) {
	revs, err := w.Repo.Outgoing(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("finding outgoing revisions: %w", err)
	}
	return transfer.OutgoingFiles(revs)
}

// Push uploads the outgoing big files to the store at storeURL. Pushing
// the revisions themselves is left to the host.
func (w *Workspace) Push(ctx context.Context, dest, storeURL string, progress store.Progress) (transfer.Summary, error) {
	files, err := w.Outgoing(ctx, dest)
	if err != nil {
		return transfer.Summary{}, err
	}
	if len(files) == 0 {
		w.Logger.Info("no big files to upload")
		return transfer.Summary{}, nil
	}
	backend, err := w.Backend(storeURL)
	if err != nil {
		return transfer.Summary{}, err
	}
	w.Logger.Info("uploading big files", zap.Int("files", len(files)), zap.String("store", backend.URL()))
	return transfer.Upload(ctx, backend, w.Cache, files, progress, w.Logger)
}

// Verify checks the store for the big files of the working parent, or of
// the whole history with all set.
func (w *Workspace) Verify(ctx context.Context, storeURL string, all, contents bool) (store.VerifyReport, error) {
	var revs []vcs.Revision
	if all {
		hist, err := w.Repo.History(ctx)
		if err != nil {
			return store.VerifyReport{}, fmt.Errorf("reading history: %w", err)
		}
		revs = hist
	} else {
		parent, err := w.Repo.Revision(".")
		if err != nil {
			return store.VerifyReport{}, fmt.Errorf("resolving working parent: %w", err)
		}
		revs = []vcs.Revision{parent}
	}

	backend, err := w.Backend(storeURL)
	if err != nil {
		return store.VerifyReport{}, err
	}
	return backend.Verify(ctx, revs, contents)
}

// Summary is a one-glance report of the working copy.
type Summary struct {
	Parent   string
	BigFiles int
	Status   shared.Status
	// ToUpload is -1 when the outgoing set could not be computed.
	ToUpload int
}

// Summarize reports the working parent, the big-file count, the working
// status and how many big files a push would upload.
func (w *Workspace) Summarize(ctx context.Context, dest string) (*Summary, error) {
	parent, err := w.Repo.Revision(".")
	if err != nil {
		return nil, fmt.Errorf("resolving working parent: %w", err)
	}
	bigs, err := w.BigFiles(nil)
	if err != nil {
		return nil, err
	}
	st, err := w.Status(status.Request{})
	if err != nil {
		return nil, err
	}

	sum := &Summary{Parent: parent.ID(), BigFiles: len(bigs), Status: st, ToUpload: -1}
	if files, err := w.Outgoing(ctx, dest); err == nil {
		sum.ToUpload = len(files)
	} else {
		w.Logger.Warn("cannot compute outgoing big files", zap.Error(err))
	}
	return sum, nil
}
