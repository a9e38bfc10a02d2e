package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/oukeidos/novtl/internal/pipeline"
	"github.com/oukeidos/novtl/internal/prompt"
	"github.com/oukeidos/novtl/internal/session"
	"github.com/rivo/uniseg"
	"github.com/spf13/cobra"
)

var confirmPurge = func(id string, force bool) (bool, error) {
	return prompt.DefaultConfirmer().ConfirmPurge(id, force)
}

func newSessionsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and purge stored sessions",
	}
	cmd.SetUsageTemplate(envUsageTemplate)
	cmd.PersistentFlags().String("store", "", "Session store: file, sqlite, redis or memory")
	cmd.AddCommand(
		newSessionsListCmd(g),
		newSessionsShowCmd(g),
		newSessionsPurgeCmd(g),
	)
	return cmd
}

func newSessionsListCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			cfg, err := g.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := g.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			sessions, err := store.Sessions(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCHUNKS\tDONE\tUPDATED\tFIRST CHUNK")
			for _, s := range sessions {
				results, err := store.ChunkResults(ctx, s.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", s.ID, len(s.Chunks), completeCount(results),
					s.Timestamp.Local().Format(time.DateTime), preview(s.FirstChunk, 40))
			}
			return tw.Flush()
		}),
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	return cmd
}

func newSessionsShowCmd(g *globalOptions) *cobra.Command {
	var text bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show chunk states, or the joined translation with --text",
		Args:  cobra.ExactArgs(1),
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			cfg, err := g.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := g.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			sess, err := store.Session(ctx, args[0])
			if err != nil {
				return err
			}
			results, err := store.ChunkResults(ctx, sess.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if text {
				joined, _ := pipeline.JoinOutput(results, len(sess.Chunks))
				_, err := fmt.Fprintln(out, joined)
				return err
			}

			fmt.Fprintf(out, "Session:     %s\n", sess.ID)
			fmt.Fprintf(out, "Created:     %s\n", sess.CreatedAt.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Updated:     %s\n", sess.Timestamp.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Retry count: %d\n", sess.RetryCount)
			fmt.Fprintf(out, "Chunks:      %d (%d complete)\n\n", len(sess.Chunks), completeCount(results))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tSTATE\tPARTS\tSOURCE")
			for i, chunk := range sess.Chunks {
				state, parts := session.StatePending, 0
				if i < len(results) && results[i] != nil {
					state, parts = results[i].State, len(results[i].Content.Parts)
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i, state, parts, preview(chunk, 40))
			}
			return tw.Flush()
		}),
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	cmd.Flags().BoolVar(&text, "text", false, "Print the joined active parts instead of the chunk table")
	return cmd
}

func newSessionsPurgeCmd(g *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <session-id>",
		Short: "Delete a session and its chunk results",
		Args:  cobra.ExactArgs(1),
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			cfg, err := g.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := g.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if _, err := store.Session(ctx, args[0]); err != nil {
				return err
			}
			confirmed, err := confirmPurge(args[0], yes)
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Fprintln(cmd.OutOrStdout(), "Purge cancelled.")
				return nil
			}
			if err := store.Purge(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged session %s.\n", args[0])
			return nil
		}),
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	cmd.Flags().BoolVar(&yes, "yes", false, "Delete without asking")
	return cmd
}

func newReprocessCmd(g *globalOptions) *cobra.Command {
	keys := keyOptions{}
	cmd := &cobra.Command{
		Use:   "reprocess <session-id> <index>",
		Short: "Re-translate one chunk of a stored session",
		Args:  cobra.ExactArgs(2),
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid chunk index %q", args[1])
			}
			cfg, err := g.setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			runner, err := g.newRunner(ctx, cfg, keys)
			if err != nil {
				return err
			}
			sess, err := runner.Store().Session(ctx, args[0])
			if err != nil {
				return err
			}
			if index < 0 || index >= len(sess.Chunks) {
				return fmt.Errorf("chunk index %d out of range (session has %d chunks)", index, len(sess.Chunks))
			}
			if err := runner.Reprocess(ctx, sess.ID, index, consoleProgress()); err != nil {
				printFatal(cmd.ErrOrStderr(), err)
				return fmt.Errorf("reprocess of chunk %d failed", index)
			}
			results, err := runner.Store().ChunkResults(ctx, sess.ID)
			if err != nil {
				return err
			}
			joined, _ := pipeline.JoinOutput(results[index:index+1], 1)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), joined)
			return err
		}),
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	cmd.Flags().String("provider", "", "Provider: gemini, vertex, openrouter or openai")
	cmd.Flags().String("store", "", "Session store: file, sqlite, redis or memory")
	addKeyFlags(cmd, &keys)
	return cmd
}

func completeCount(results []*session.ChunkResult) int {
	n := 0
	for _, r := range results {
		if r != nil && r.State == session.StateComplete {
			n++
		}
	}
	return n
}

// preview shortens s to max grapheme clusters on one line.
func preview(s string, max int) string {
	var out []byte
	count := 0
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		cluster := g.Str()
		if cluster == "\n" || cluster == "\r\n" || cluster == "\t" {
			cluster = " "
		}
		if count == max {
			return string(out) + "…"
		}
		out = append(out, cluster...)
		count++
	}
	return string(out)
}
