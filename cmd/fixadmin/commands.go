package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fixengine/internal/admin"
	"fixengine/internal/session"
)

const defaultSocket = "/tmp/fixengine/admin.sock"

type rootOptions struct {
	Socket  string
	Timeout time.Duration
	JSON    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fixadmin",
		Short:         "Operate a running fixengine",
		Long:          "Inspect FIX sessions, force logouts and reset sequence numbers over the engine's admin socket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.Socket, "socket", "s", defaultSocket, "admin socket path")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print raw JSON replies")

	cmd.AddCommand(
		newListCommand(opts),
		newStatusCommand(opts),
		newLogoutCommand(opts),
		newResetCommand(opts),
	)
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := call(cmd, opts, admin.CmdList)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return printTable(cmd.OutOrStdout(), resp.Sessions)
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <SENDER->TARGET[:QUALIFIER]>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(cmd, opts, admin.CmdStatus, args[0])
			if err != nil {
				return err
			}
			if opts.JSON || resp.Status == nil {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return printTable(cmd.OutOrStdout(), []session.Status{*resp.Status})
		},
	}
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "logout <SENDER->TARGET[:QUALIFIER]>",
		Short: "Log a session out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			words := []string{admin.CmdLogout, args[0]}
			if text != "" {
				words = append(words, strings.Fields(text)...)
			}
			if _, err := call(cmd, opts, words...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logout sent to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Text(58) carried in the Logout")
	return cmd
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <SENDER->TARGET[:QUALIFIER]> <seq>",
		Short: "Reset the next outgoing sequence number",
		Long: `Reset the next outgoing sequence number.

While logged on the engine sends SequenceReset(NewSeqNo=<seq>); seq must not be
below the current next outgoing number. While disconnected both counters are
reset when seq is 1, otherwise only the outgoing one moves. A reset also clears
a store-failure halt.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(cmd, opts, admin.CmdReset, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %s\n", args[0], args[1])
			return nil
		},
	}
}

func call(cmd *cobra.Command, opts *rootOptions, words ...string) (admin.Response, error) {
	cli, err := admin.NewClient(opts.Socket, opts.Timeout)
	if err != nil {
		return admin.Response{}, err
	}
	return cli.Do(cmd.Context(), words...)
}

func printJSON(w io.Writer, resp admin.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func printTable(w io.Writer, list []session.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tROLE\tSTATE\tOUT\tIN\tHELD\tHALTED\tLAST REASON")
	for _, st := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%t\t%s\n",
			st.ID, st.Role, st.State, st.NextOutgoing, st.NextIncoming, st.Held, st.Halted, st.LastReason)
	}
	return tw.Flush()
}
