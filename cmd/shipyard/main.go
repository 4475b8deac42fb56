package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"shipyard/internal/fault"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "shipyard",
	Short: "Deploy a git repository to a single host over SSH",
	Long: `Shipyard deploys a Docker application from a git repository to one Linux
host over SSH and puts nginx in front of it.

A deploy clones or refreshes the repository locally, prepares the host
(docker, nginx, rsync), copies the files, builds and starts the containers,
configures nginx as a reverse proxy and checks the result.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} help [command]" for more information about a command.{{end}}
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		printFailure(err)
	}
	os.Exit(fault.ExitCode(err))
}

// printFailure writes the failure line and any diagnostic detail to stderr.
func printFailure(err error) {
	if fault.IsInterrupted(err) {
		fmt.Fprintln(os.Stderr, "Interrupted:", err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", fault.KindOf(err), err)
	if fe, ok := fault.As(err); ok && fe.Detail != "" {
		fmt.Fprintln(os.Stderr)
		for _, line := range strings.Split(strings.TrimRight(fe.Detail, "\n"), "\n") {
			fmt.Fprintf(os.Stderr, "  | %s\n", line)
		}
	}
}

func init() {
	// Set custom usage template to encourage 'help' subcommand pattern
	rootCmd.SetUsageTemplate(usageTemplate)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fault.Wrap(fault.InvalidInput, err, "")
	})

	// Register subcommands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}
