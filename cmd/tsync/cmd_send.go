package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/session"
)

func newSendCmd() *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "send <thread> [text...]",
		Short: "Send a message and wait for the server to accept it",
		Long: `Send a message and wait for the server to accept it.

Exits with status 2 when the server rejects the message or cannot be
reached.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			content := model.Content{Kind: model.KindText, Text: strings.Join(args[1:], " ")}
			if image != "" {
				content.Kind = model.KindImage
				content.AttachmentRef = image
			}
			return a.send(cmd.Context(), args[0], content)
		}),
	}
	cmd.Flags().StringVar(&image, "image", "", "attachment reference of an image to send")
	return cmd
}

func (a *app) send(ctx context.Context, threadID string, content model.Content) error {
	if err := content.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout())
	defer cancel()

	// The send goes out even when the initial load fails; its own outcome
	// decides the exit status.
	s, _ := a.openSession(ctx, threadID)
	defer closeSession(s)

	localID, err := s.Send(ctx, content)
	if err != nil {
		return err
	}
	p, err := awaitSettled(ctx, s, localID)
	if err != nil {
		return err
	}

	if a.jsonOut {
		a.printJSON(p)
	}
	if p.Status == model.StatusFailed {
		return &exitError{code: 2, err: fmt.Errorf("send failed: %w", p.Failure)}
	}
	if !a.jsonOut {
		fmt.Fprintf(a.out, "sent %s", localID)
		if p.ServerMessageID != "" {
			fmt.Fprintf(a.out, " (server id %s)", p.ServerMessageID)
		}
		fmt.Fprintln(a.out)
	}
	return nil
}

// awaitSettled waits until the pending entry leaves Sending and returns
// its last state. An entry already retired by reconciliation counts as
// sent.
func awaitSettled(ctx context.Context, s *session.Session, localID string) (model.PendingMessage, error) {
	last := model.PendingMessage{LocalID: localID, Status: model.StatusSending}
	for {
		st := s.State()
		i := st.FindPending(localID)
		if i < 0 {
			last.Status = model.StatusSent
			return last, nil
		}
		last = st.Pending[i]
		if last.Status != model.StatusSending {
			return last, nil
		}
		select {
		case <-s.Changes():
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}
