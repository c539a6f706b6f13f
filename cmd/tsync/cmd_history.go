package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history <thread>",
		Short: "Print a thread's recent history",
		Long: `Print a thread's recent history, oldest first.

With the server unreachable, the cached snapshot is printed and the error
is reported on stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			return a.history(cmd.Context(), args[0], pages)
		}),
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to load")
	return cmd
}

func (a *app) history(ctx context.Context, threadID string, pages int) error {
	if pages < 1 {
		return fmt.Errorf("--pages must be at least 1")
	}
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout())
	defer cancel()

	s, err := a.openSession(ctx, threadID)
	defer closeSession(s)
	for i := 1; err == nil && i < pages && s.HasMoreOlder(); i++ {
		err = s.LoadOlder(ctx)
	}

	proj := s.Projection()
	if a.jsonOut {
		a.printJSON(map[string]any{
			"thread_id":      threadID,
			"messages":       proj,
			"has_more_older": s.HasMoreOlder(),
			"seeded":         s.State().Seeded,
			"last_error":     s.LastError(),
		})
	} else {
		for _, d := range proj {
			a.printMessage(d)
		}
		if len(proj) == 0 {
			fmt.Fprintln(a.out, "(no messages)")
		}
	}
	if err != nil && len(proj) > 0 {
		a.log.Warn("history_incomplete", "thread", threadID, "err", err)
		return nil
	}
	return err
}
