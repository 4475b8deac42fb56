package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"shipyard/internal/config"
	"shipyard/internal/transfer"
	"shipyard/internal/validate"
)

// PrintSummary writes the closing report of a successful run.
func (p *Progress) PrintSummary(o *Outcome) {
	w := p.out
	spec := o.Spec

	fmt.Fprintln(w)
	fmt.Fprintln(w, "==========================================")
	if spec.Mode == config.ModeCleanup {
		fmt.Fprintf(w, "  %sProject %s removed%s\n", p.colorGreen, spec.ProjectName, p.colorReset)
	} else {
		fmt.Fprintf(w, "  %sDeployment of %s complete%s\n", p.colorGreen, spec.ProjectName, p.colorReset)
	}
	fmt.Fprintln(w, "==========================================")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  Project:     %s\n", spec.ProjectName)
	fmt.Fprintf(w, "  Host:        %s\n", spec.SSH.String())
	fmt.Fprintf(w, "  Remote dir:  %s\n", spec.RemoteDir)

	if spec.Mode == config.ModeCleanup {
		if o.Cleanup != nil {
			fmt.Fprintf(w, "  Removed:     %d item(s)\n", len(o.Cleanup.Removed))
			for _, item := range o.Cleanup.Removed {
				fmt.Fprintf(w, "    - %s\n", item)
			}
		}
	} else {
		if o.Source != nil {
			fmt.Fprintf(w, "  Artifact:    %s (%s)\n", o.Source.Artifact.Kind, o.Source.Artifact.File)
			fmt.Fprintf(w, "  Commit:      %s\n", shortCommit(o.Source.Commit))
		}
		if o.Transfer != nil {
			method := string(o.Transfer.Method)
			if o.Transfer.Method == transfer.MethodArchive {
				method += ", " + humanize.Bytes(uint64(o.Transfer.Bytes))
			}
			fmt.Fprintf(w, "  Transfer:    %s\n", method)
		}
		if o.Proxy != nil {
			fmt.Fprintf(w, "  Proxy site:  %s\n", o.Proxy.Site)
		}
		fmt.Fprintf(w, "  URL:         %s\n", validate.PublicURL(spec.SSH.Host))
	}
	fmt.Fprintf(w, "  Duration:    %s\n", o.Duration().Round(time.Second))

	if len(o.Warnings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%sWarnings:%s\n", p.colorYellow, p.colorReset)
		for _, warning := range o.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
	fmt.Fprintln(w)
}

// Summary is the progress printer's summary as a string.
func Summary(o *Outcome) string {
	var b strings.Builder
	NewProgress(&b).PrintSummary(o)
	return b.String()
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
