package main

import (
	"fmt"
	"io"
	"os"

	"kbfiles/internal/transfer"
	"kbfiles/internal/workspace"
	"kbfiles/shared/types"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// progress prints one line per finished file of a transfer batch.
type progress struct {
	out io.Writer
}

func (p *progress) Step(name string, done, total int) {
	fmt.Fprintf(p.out, "%s %s\n", faint(fmt.Sprintf("[%d/%d]", done, total)), name)
}

func printStatus(st shared.Status) {
	groups := []struct {
		code  string
		paint func(...interface{}) string
		files []string
	}{
		{"M", yellow, st.Modified},
		{"A", green, st.Added},
		{"R", red, st.Removed},
		{"!", red, st.Missing},
		{"?", blue, st.Unknown},
		{"I", faint, st.Ignored},
		{"C", faint, st.Clean},
	}
	for _, g := range groups {
		for _, f := range g.files {
			fmt.Printf("%s %s\n", g.paint(g.code), f)
		}
	}
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, yellow(w))
	}
}

func printList(verb string, files []string) {
	if quiet {
		return
	}
	for _, f := range files {
		fmt.Printf("%s %s\n", verb, f)
	}
}

// reportSync prints what a sync pass did and fails when big files could
// not be found anywhere.
func reportSync(res *workspace.SyncResult) error {
	if res == nil {
		return nil
	}
	if !quiet {
		fmt.Printf("%d big files updated, %d removed\n", len(res.Updated), len(res.Removed))
	}
	for _, f := range res.Missing {
		fmt.Fprintf(os.Stderr, "%s %s\n", red("missing:"), f)
	}
	if len(res.Missing) > 0 {
		return fmt.Errorf("%d big files could not be found in any cache or the store", len(res.Missing))
	}
	return nil
}

func reportUpload(sum transfer.Summary) error {
	if !quiet {
		fmt.Printf("%d of %d big files uploaded (%s)\n", sum.Done, sum.Total, humanize.Bytes(uint64(sum.Bytes)))
	}
	if err := sum.Err(); err != nil {
		return fmt.Errorf("%d uploads failed: %w", sum.Failed, err)
	}
	return nil
}
