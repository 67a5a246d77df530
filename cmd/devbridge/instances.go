package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/devbridge/internal/discovery"
)

var (
	instancesDir string
	jsonOutput   bool
	pruneMaxAge  time.Duration
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List running gateways",
	Long: `List the gateways registered on this machine.

Output is a table on a terminal and JSON otherwise (or with --json).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newRegistry().List()
		if err != nil {
			return err
		}
		return printInstances(cmd.OutOrStdout(), list, wantJSON())
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove instances whose process is gone or that stopped pinging",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := newRegistry().Prune(pruneMaxAge)
		if err != nil {
			return err
		}
		for _, id := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the instance list whenever it changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		out := cmd.OutOrStdout()
		asJSON := wantJSON()
		return newRegistry().Watch(ctx, func(list []*discovery.Instance) {
			if !asJSON {
				fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.TimeOnly))
			}
			if err := printInstances(out, list, asJSON); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
		})
	},
}

func init() {
	instancesCmd.PersistentFlags().StringVar(&instancesDir, "dir", "", "Instances directory (default "+discovery.DefaultDir()+")")
	instancesCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	pruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 2*time.Minute, "Remove instances not pinged for this long")
	instancesCmd.AddCommand(pruneCmd, watchCmd)
}

func newRegistry() *discovery.Registry {
	dir := instancesDir
	if dir == "" {
		dir = discovery.DefaultDir()
	}
	return discovery.NewRegistry(dir)
}

func wantJSON() bool {
	return jsonOutput || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printInstances(w io.Writer, list []*discovery.Instance, asJSON bool) error {
	if asJSON {
		if list == nil {
			list = []*discovery.Instance{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No running instances")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLISTEN\tBROWSER\tPID\tUPTIME\tLAST PING")
	now := time.Now()
	for _, inst := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s ago\n",
			shortID(inst.ID),
			inst.Listen,
			inst.Endpoint,
			inst.PID,
			now.Sub(inst.StartedAt).Truncate(time.Second),
			now.Sub(inst.LastPing).Truncate(time.Second),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
