// Command keyattest verifies Android key attestation chains and prints
// every reason a chain fails.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Exit codes.
const (
	ExitSuccess           = 0
	ExitInputError        = 1
	ExitAttestationFailed = 2
)

// errAttestationFailed is returned after a failed verification has been
// reported, so only the exit code is left to set.
var errAttestationFailed = errors.New("attestation failed")

type globalOptions struct {
	configPath string
	verbose    bool
	json       bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "keyattest",
		Short: "Verify Android key attestation certificate chains",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging to stderr")
	root.PersistentFlags().BoolVarP(&g.json, "json", "j", false, "Output in JSON format")

	root.AddCommand(newVerifyCmd(g))
	root.AddCommand(newDecodeCmd(g))
	root.AddCommand(newRevocationCmd(g))
	root.AddCommand(newVersionCmd(g))
	return root
}

// run executes the command line and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		if errors.Is(err, errAttestationFailed) {
			return ExitAttestationFailed
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInputError
	}
	return ExitSuccess
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
