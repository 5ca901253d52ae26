// cmd/kbf/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"kbfiles/internal/config"
	bferrors "kbfiles/internal/errors"
	"kbfiles/internal/logging"
	"kbfiles/internal/match"
	"kbfiles/internal/vcs/gitvcs"
	"kbfiles/internal/workspace"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logger   = zap.NewNop()
	verbose  bool
	storeURL string
	quiet    bool
)

var rootCmd = &cobra.Command{
	Use:   "kbf",
	Short: "kbf keeps big files out of version control history",
	Long: `kbf tracks big files through small standin files under .kbf/. The
version control system only ever sees the standins; the big files themselves
live in a local cache and a central store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.NewConsole(verbose)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l.Logger
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log what is happening")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "print less")
	rootCmd.PersistentFlags().StringVar(&storeURL, "store", "", "central store URL (default from config or the git remote)")
}

// session is one locked working copy plus the arguments' matcher.
type session struct {
	ws  *workspace.Workspace
	cwd string
}

// openWorkspace locks the git working copy containing the current
// directory.
func openWorkspace(ctx context.Context) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	repo, err := gitvcs.Open(cwd, gitvcs.Options{})
	if err != nil {
		return nil, bferrors.Abort("no repository found in %s", cwd)
	}
	cfg, err := config.Discover(repo.AdminDir())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var opts workspace.Options
	if !quiet {
		opts.Progress = &progress{out: os.Stderr}
	}
	ws, err := workspace.Open(ctx, repo, cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	return &session{ws: ws, cwd: cwd}, nil
}

func (s *session) Close() error {
	return s.ws.Close()
}

func (s *session) matcher(args []string) (match.Matcher, error) {
	m, err := match.New(s.ws.Root, s.cwd, args)
	if err != nil {
		return nil, bferrors.Abort("%v", err)
	}
	return m, nil
}

// withWorkspace runs fn against a freshly opened workspace and closes it.
func withWorkspace(cmd *cobra.Command, fn func(s *session) error) error {
	s, err := openWorkspace(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	logger.Sync()
	if err == nil {
		return
	}

	var abort *bferrors.AbortError
	if errors.As(err, &abort) {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("abort:"), abort.Message)
		if abort.Hint != "" {
			fmt.Fprintf(os.Stderr, "(%s)\n", abort.Hint)
		}
		os.Exit(255)
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
	os.Exit(1)
}
