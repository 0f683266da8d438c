// ABOUTME: Command-line client for relay-gateway conversations
// ABOUTME: Sends messages, then watches replies by polling or over the event relay

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/relay-gateway/internal/client"
)

const defaultURL = "http://localhost:3080"

type options struct {
	url      string
	retries  uint64
	interval time.Duration
	verbose  bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "relay-poll",
		Short:         "Talk to a relay-gateway and watch replies arrive",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	url := os.Getenv("RELAY_URL")
	if url == "" {
		url = defaultURL
	}
	root.PersistentFlags().StringVar(&opts.url, "url", url, "gateway base URL (env RELAY_URL)")
	root.PersistentFlags().Uint64Var(&opts.retries, "retries", client.DefaultMaxRetries, "retries for failed polls")
	root.PersistentFlags().DurationVar(&opts.interval, "interval", 250*time.Millisecond, "delay between polls")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log retries to stderr")

	root.AddCommand(
		newSendCmd(opts, out),
		newPollCmd(opts, out),
		newFollowCmd(opts, out),
		newDeleteCmd(opts, out),
	)
	return root
}

func (o *options) client() *client.Client {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return client.New(o.url, client.WithMaxRetries(o.retries), client.WithLogger(logger))
}

func newSendCmd(opts *options, out io.Writer) *cobra.Command {
	var (
		id     string
		parent string
		watch  string
	)

	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send a message and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := opts.client()
			if id == "" {
				id = uuid.NewString()
			}
			req := client.SendRequest{Message: args[0], ConversationID: id, ParentMessageID: parent}

			color.New(color.FgHiBlack).Fprintf(out, "conversation %s\n", id)

			switch watch {
			case "none":
				res, err := c.Send(ctx, id, req)
				if err != nil {
					return err
				}
				p := &replyPrinter{out: out}
				return p.finish(&client.Delta{Kind: client.KindResult, Result: res})
			case "poll", "follow":
				req.Stream = true
				errc := make(chan error, 1)
				go func() { errc <- c.SendStream(ctx, id, req) }()

				var err error
				if watch == "poll" {
					err = pollUntilDone(ctx, c, id, 0, opts.interval, out)
				} else {
					err = follow(ctx, c, id, 0, out)
				}
				if sendErr := <-errc; sendErr != nil && err == nil {
					err = sendErr
				}
				return err
			default:
				return fmt.Errorf("unknown watch mode %q (use none, poll or follow)", watch)
			}
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "conversation id (random when empty)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent message id")
	cmd.Flags().StringVar(&watch, "watch", "follow", "how to watch the reply: none, poll or follow")
	return cmd
}

func newPollCmd(opts *options, out io.Writer) *cobra.Command {
	var next int

	cmd := &cobra.Command{
		Use:   "poll ID",
		Short: "Poll a conversation until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pollUntilDone(cmd.Context(), opts.client(), args[0], next, opts.interval, out)
		},
	}
	cmd.Flags().IntVar(&next, "next", 0, "resume after this many tokens")
	return cmd
}

func newFollowCmd(opts *options, out io.Writer) *cobra.Command {
	var next int

	cmd := &cobra.Command{
		Use:   "follow ID",
		Short: "Stream a conversation over server-sent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return follow(cmd.Context(), opts.client(), args[0], next, out)
		},
	}
	cmd.Flags().IntVar(&next, "next", 0, "resume after this many tokens")
	return cmd
}

func newDeleteCmd(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete finished conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			for _, id := range args {
				if err := c.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("deleting %s: %w", id, err)
				}
				color.New(color.FgGreen).Fprintf(out, "✓ %s deleted\n", id)
			}
			return nil
		},
	}
}

// replyPrinter writes a reply as it streams in. A terminal result replaces
// the token log, so whatever the partials did not cover is printed from the
// result text.
type replyPrinter struct {
	out     io.Writer
	printed strings.Builder
}

func (p *replyPrinter) partial(text string) {
	fmt.Fprint(p.out, text)
	p.printed.WriteString(text)
}

func (p *replyPrinter) finish(d *client.Delta) error {
	switch d.Kind {
	case client.KindResult:
		if d.Result != nil {
			seen := p.printed.String()
			if strings.HasPrefix(d.Result.Text, seen) {
				fmt.Fprint(p.out, d.Result.Text[len(seen):])
			} else {
				fmt.Fprintf(p.out, "\n%s", d.Result.Text)
			}
		}
		fmt.Fprintln(p.out)
		if d.Result != nil {
			color.New(color.FgHiBlack).Fprintf(p.out, "[done %s]\n", d.Result.ID)
		}
		return nil
	case client.KindError:
		if p.printed.Len() > 0 {
			fmt.Fprintln(p.out)
		}
		return d.Err
	default:
		return errors.New("unexpected partial delta")
	}
}

// pollUntilDone prints partial text as it arrives. Not-found answers are
// retried a few times because a concurrent send may not have written yet.
func pollUntilDone(ctx context.Context, c *client.Client, id string, next int, interval time.Duration, out io.Writer) error {
	const maxMisses = 20

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p := &replyPrinter{out: out}
	misses := 0
	for {
		d, err := c.Poll(ctx, id, next)
		if err != nil {
			return err
		}

		switch {
		case d.NotFound():
			misses++
			if misses > maxMisses {
				return p.finish(d)
			}
		case d.Terminal():
			return p.finish(d)
		default:
			misses = 0
			p.partial(d.Text)
			next = d.Next
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func follow(ctx context.Context, c *client.Client, id string, next int, out io.Writer) error {
	p := &replyPrinter{out: out}
	last, err := c.Follow(ctx, id, next, func(d *client.Delta) {
		if d.Kind == client.KindPartial {
			p.partial(d.Text)
		}
	})
	if err != nil {
		return err
	}
	return p.finish(last)
}
