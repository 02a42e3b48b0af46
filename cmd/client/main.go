// fwpush client: requester side tools. dial delivers a push to a firewalled node and
// copies what it serves to stdout; encode/decode convert push endpoint forms.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fwpush:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fwpush <command> [arguments]",
		Short:         "Reach firewalled nodes through push proxies, FWT and broadcast.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example:       "fwpush dial 'ABCD...;1.2.3.4:6346' --file 0 > out.bin",
	}
	root.AddCommand(newDialCommand(), newEncodeCommand(), newDecodeCommand())
	return root
}
