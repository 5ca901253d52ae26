package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/shadow"
	"kbfiles/internal/status"
	"kbfiles/internal/store"
	"kbfiles/internal/vcs"
	"kbfiles/internal/workspace"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	var (
		addBig    bool
		addSize   int
		addDryRun bool
	)
	var addCmd = &cobra.Command{
		Use:   "add [paths...]",
		Short: "Schedule files for the next commit",
		Long: `Schedule files for the next commit. Files over the size threshold or
matching a big-file pattern, or every file with --bf, are added as big files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				m, err := s.matcher(args)
				if err != nil {
					return err
				}
				res, err := s.ws.Add(m, workspace.AddOptions{BigFile: addBig, Size: addSize, DryRun: addDryRun})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				printList("adding big file", res.BigFiles)
				printList("adding", res.Files)
				if len(res.Rejected) > 0 {
					return fmt.Errorf("%d files could not be added", len(res.Rejected))
				}
				return nil
			})
		},
	}
	addCmd.Flags().BoolVar(&addBig, "bf", false, "add every matched file as a big file")
	addCmd.Flags().IntVar(&addSize, "size", 0, "add files of at least this many megabytes as big files")
	addCmd.Flags().BoolVarP(&addDryRun, "dry-run", "n", false, "only report what would be added")

	var addRemoveCmd = &cobra.Command{
		Use:   "addremove [paths...]",
		Short: "Add new files and remove missing ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				m, err := s.matcher(args)
				if err != nil {
					return err
				}
				res, err := s.ws.AddRemove(m)
				if err != nil {
					return err
				}
				printList("adding", res.Files)
				return nil
			})
		},
	}

	var (
		statusAll    bool
		statusRaw    bool
		statusChange string
	)
	var statusCmd = &cobra.Command{
		Use:   "status [paths...]",
		Short: "Show changed files, big files under their own names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				m, err := s.matcher(args)
				if err != nil {
					return err
				}
				req := status.Request{
					Matcher: m,
					Options: vcs.StatusOptions{Unknown: true, Ignored: statusAll, Clean: statusAll},
				}
				if statusRaw {
					req.Mode = status.Raw
				}
				if statusChange != "" {
					target, err := s.ws.Repo.Revision(statusChange)
					if err != nil {
						return err
					}
					parents, err := target.Parents()
					if err != nil {
						return err
					}
					if len(parents) > 0 {
						req.Base = parents[0]
					}
					req.Target = target
				}
				st, err := s.ws.Status(req)
				if err != nil {
					return err
				}
				printStatus(st)
				return nil
			})
		},
	}
	statusCmd.Flags().BoolVarP(&statusAll, "all", "A", false, "also show clean and ignored files")
	statusCmd.Flags().BoolVar(&statusRaw, "standins", false, "show what version control sees, standins included")
	statusCmd.Flags().StringVar(&statusChange, "change", "", "show the files a revision changed")

	var commitMessage string
	var commitCmd = &cobra.Command{
		Use:   "commit [paths...]",
		Short: "Refresh standins and commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commitMessage == "" {
				return bferrors.Abort("empty commit message").WithHint("use -m")
			}
			return withWorkspace(cmd, func(s *session) error {
				m, err := s.matcher(args)
				if err != nil {
					return err
				}
				rev, err := s.ws.Commit(cmd.Context(), commitMessage, m)
				if err != nil {
					return err
				}
				if !quiet {
					fmt.Printf("committed %s\n", green(shortID(rev.ID())))
				}
				return nil
			})
		},
	}
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")

	var (
		removeAfter bool
		removeForce bool
	)
	var removeCmd = &cobra.Command{
		Use:     "remove [paths...]",
		Aliases: []string{"rm"},
		Short:   "Stop tracking files and delete them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				m, err := s.matcher(args)
				if err != nil {
					return err
				}
				res, err := s.ws.Remove(m, workspace.RemoveOptions{After: removeAfter, Force: removeForce})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				printList("removing", res.Removed)
				if len(res.Warnings) > 0 {
					return fmt.Errorf("%d files not removed", len(res.Warnings))
				}
				return nil
			})
		},
	}
	removeCmd.Flags().BoolVarP(&removeAfter, "after", "A", false, "record deletions of missing files")
	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "remove modified and added files too")

	var forgetCmd = &cobra.Command{
		Use:   "forget paths...",
		Short: "Stop tracking files, keeping them on disk",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				m, err := s.matcher(args)
				if err != nil {
					return err
				}
				res, err := s.ws.Forget(m)
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				printList("removing", res.Removed)
				return nil
			})
		},
	}

	var copyForce bool
	copyLike := func(use, short string, rename bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " SOURCE DEST",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWorkspace(cmd, func(s *session) error {
					src, err := s.rel(args[0])
					if err != nil {
						return err
					}
					dst, err := s.rel(args[1])
					if err != nil {
						return err
					}
					op := s.ws.Copy
					verb := "copying"
					if rename {
						op = s.ws.Rename
						verb = "moving"
					}
					done, err := op(src, dst, copyForce)
					if err != nil {
						return err
					}
					printList(verb, done)
					return nil
				})
			},
		}
	}
	var mvCmd = copyLike("mv", "Rename files, big files included", true)
	var cpCmd = copyLike("cp", "Copy files, big files included", false)
	mvCmd.Flags().BoolVarP(&copyForce, "force", "f", false, "overwrite existing files")
	cpCmd.Flags().BoolVarP(&copyForce, "force", "f", false, "overwrite existing files")

	var revertRev string
	var revertCmd = &cobra.Command{
		Use:   "revert [paths...]",
		Short: "Restore files to their content at a revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				m, err := s.matcher(args)
				if err != nil {
					return err
				}
				res, err := s.ws.Revert(cmd.Context(), revertRev, m, storeURL)
				if err != nil {
					return err
				}
				return reportSync(res)
			})
		},
	}
	revertCmd.Flags().StringVarP(&revertRev, "rev", "r", ".", "revision to revert to")

	var (
		updateCheck bool
		updateClean bool
	)
	var updateCmd = &cobra.Command{
		Use:   "update [REV]",
		Short: "Update the working copy, big files included",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev := "."
			if len(args) == 1 {
				rev = args[0]
			}
			if updateCheck && updateClean {
				return bferrors.Abort("cannot specify both --check and --clean")
			}
			return withWorkspace(cmd, func(s *session) error {
				res, err := s.ws.Update(cmd.Context(), rev, workspace.UpdateOptions{
					Check: updateCheck,
					Clean: updateClean,
					Store: storeURL,
				})
				if err != nil {
					return err
				}
				return reportSync(res)
			})
		},
	}
	updateCmd.Flags().BoolVarP(&updateCheck, "check", "c", false, "refuse to update over uncommitted changes")
	updateCmd.Flags().BoolVarP(&updateClean, "clean", "C", false, "discard uncommitted changes")

	var fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "Download missing big files for the working parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				res, err := s.ws.UpdateBigFiles(cmd.Context(), storeURL)
				if err != nil {
					return err
				}
				return reportSync(res)
			})
		},
	}

	var refreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild big-file state after history was rewritten",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				if err := s.ws.BailIfChanged(); err != nil {
					return err
				}
				res, err := s.ws.Refresh(cmd.Context(), storeURL)
				if err != nil {
					return err
				}
				return reportSync(res)
			})
		},
	}

	var outgoingCmd = &cobra.Command{
		Use:   "outgoing [DEST]",
		Short: "List big files a push would upload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				files, err := s.ws.Outgoing(cmd.Context(), firstArg(args))
				if err != nil {
					return err
				}
				if len(files) == 0 {
					fmt.Println("no big files to upload")
					return nil
				}
				fmt.Println("big files to upload:")
				for _, f := range files {
					fmt.Printf("\t%s %s\n", f.Name, faint(shortID(f.Hash)))
				}
				return nil
			})
		},
	}

	var pushCmd = &cobra.Command{
		Use:   "push [DEST]",
		Short: "Upload outgoing big files to the central store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				var p store.Progress
				if !quiet {
					p = &progress{out: os.Stderr}
				}
				sum, err := s.ws.Push(cmd.Context(), firstArg(args), storeURL, p)
				if err != nil {
					return err
				}
				return reportUpload(sum)
			})
		},
	}

	var summaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Summarize the working copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				sum, err := s.ws.Summarize(cmd.Context(), "")
				if err != nil {
					return err
				}
				fmt.Printf("parent:    %s\n", shortID(sum.Parent))
				fmt.Printf("big files: %s\n", humanize.Comma(int64(sum.BigFiles)))
				st := sum.Status
				if st.Dirty() {
					fmt.Printf("changes:   %d modified, %d added, %d removed, %d missing\n",
						len(st.Modified), len(st.Added), len(st.Removed), len(st.Missing))
				} else {
					fmt.Println("changes:   none")
				}
				switch {
				case sum.ToUpload < 0:
					fmt.Println("to upload: unknown")
				case sum.ToUpload == 0:
					fmt.Println("to upload: nothing")
				default:
					fmt.Printf("to upload: %d big files\n", sum.ToUpload)
				}
				return nil
			})
		},
	}

	var (
		verifyAll      bool
		verifyContents bool
	)
	var verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check that the store has every big file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				start := time.Now()
				report, err := s.ws.Verify(cmd.Context(), storeURL, verifyAll, verifyContents)
				if err != nil {
					return err
				}
				fmt.Printf("verified %d big files in %d revisions (%s)\n",
					report.Files, report.Revisions, humanize.RelTime(start, time.Now(), "", ""))
				if report.Failures > 0 {
					return fmt.Errorf("%d big files failed verification", report.Failures)
				}
				return nil
			})
		},
	}
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "verify every revision, not just the working parent")
	verifyCmd.Flags().BoolVar(&verifyContents, "contents", false, "re-hash the stored content")

	var (
		resolveOther string
		resolveBase  string
	)
	var resolveCmd = &cobra.Command{
		Use:   "resolve --other REV --base REV PATH",
		Short: "Merge one big file from another revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(s *session) error {
				path, err := s.rel(args[0])
				if err != nil {
					return err
				}
				other, err := s.ws.Repo.Revision(resolveOther)
				if err != nil {
					return err
				}
				base, err := s.ws.Repo.Revision(resolveBase)
				if err != nil {
					return err
				}
				side, err := s.ws.ResolveMerge(cmd.Context(), path, other, base, askConflict, storeURL)
				if err != nil {
					return err
				}
				if !quiet {
					fmt.Printf("%s now %s\n", path, faint(shortID(side.Hash)))
				}
				return nil
			})
		},
	}
	resolveCmd.Flags().StringVar(&resolveOther, "other", "", "revision to merge from")
	resolveCmd.Flags().StringVar(&resolveBase, "base", "", "common ancestor")
	resolveCmd.MarkFlagRequired("other")
	resolveCmd.MarkFlagRequired("base")

	var watchDebounce time.Duration
	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Flag big files for a recheck as soon as they change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd, watchDebounce)
		},
	}
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "wait this long for writes to settle")

	rootCmd.AddCommand(
		addCmd, addRemoveCmd, statusCmd, commitCmd, removeCmd, forgetCmd,
		mvCmd, cpCmd, revertCmd, updateCmd, fetchCmd, refreshCmd,
		outgoingCmd, pushCmd, summaryCmd, verifyCmd, resolveCmd, watchCmd,
	)
}

// watch keeps the lock only while flushing, so other commands can run in
// between.
func watch(cmd *cobra.Command, debounce time.Duration) error {
	ctx := cmd.Context()
	s, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	root := s.ws.Root
	skip := []string{filepath.Base(s.ws.Repo.AdminDir())}
	bigs := make(map[string]bool)
	for _, f := range s.ws.Shadow.Paths() {
		bigs[f] = true
	}
	s.Close()

	w, err := shadow.NewWatcher(root, func(rel string) bool { return bigs[rel] }, skip, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Printf("watching %d big files under %s\n", len(bigs), root)
	return w.Run(ctx, debounce, func(paths []string) error {
		return withWorkspace(cmd, func(s *session) error {
			if err := s.ws.Invalidate(paths); err != nil {
				return err
			}
			for k := range bigs {
				delete(bigs, k)
			}
			for _, f := range s.ws.Shadow.Paths() {
				bigs[f] = true
			}
			logger.Info("flagged big files for recheck", zap.Strings("files", paths))
			return nil
		})
	})
}

// askConflict asks on the terminal which side of a conflicting big file
// to keep.
func askConflict(path string, local, other workspace.Side) workspace.Choice {
	in := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s has been changed on both sides.\nkeep (l)ocal %s or take (o)ther %s? ",
			path, shortID(local.Hash), shortID(other.Hash))
		answer, err := in.ReadString('\n')
		if err != nil {
			return workspace.KeepLocal
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "l", "local", "":
			return workspace.KeepLocal
		case "o", "other":
			return workspace.TakeOther
		}
	}
}

// rel turns a command-line path into a working-copy relative one.
func (s *session) rel(arg string) (string, error) {
	full := arg
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.cwd, arg)
	}
	rel, err := filepath.Rel(s.ws.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", bferrors.Abort("%s is outside the repository", arg)
	}
	return filepath.ToSlash(rel), nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
