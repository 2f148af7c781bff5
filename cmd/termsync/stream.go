package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rickgao/termsync/internal/config"
	"github.com/rickgao/termsync/internal/dispatch"
	"github.com/rickgao/termsync/internal/engine"
	"github.com/rickgao/termsync/internal/model"
)

type streamOptions struct {
	*rootOptions
	events []string
}

func newStreamCommand(root *rootOptions) *cobra.Command {
	opts := &streamOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "stream [account-id...]",
		Short: "Subscribe accounts and print their events",
		Long: `Subscribe accounts and print every event to stdout, one per line.

Accounts given as arguments replace the configured list. Logs go to
stderr.

Example:
  termsync stream acc-1 acc-2 --events priceUpdated,positionUpdated`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := setup(opts.rootOptions, os.Stderr)
			if err != nil {
				return err
			}
			defer closer.Close()

			if len(args) > 0 {
				cfg.Accounts = make([]config.AccountConfig, 0, len(args))
				for _, id := range args {
					cfg.Accounts = append(cfg.Accounts, config.AccountConfig{ID: id})
				}
			}
			if len(cfg.Accounts) == 0 {
				return fmt.Errorf("no accounts to stream")
			}

			printer := newEventPrinter(cmd.OutOrStdout(), opts.events)
			return runEngine(cmd.Context(), cfg, logger, func(e *engine.Engine) {
				e.Manager.AddListener("", printer)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.events, "events", nil, "only print these event types")
	return cmd
}

// eventPrinter writes one line per event.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	filter map[model.EventType]bool
}

func newEventPrinter(out io.Writer, types []string) *eventPrinter {
	p := &eventPrinter{out: out}
	if len(types) > 0 {
		p.filter = make(map[model.EventType]bool, len(types))
		for _, t := range types {
			p.filter[model.EventType(strings.TrimSpace(t))] = true
		}
	}
	return p
}

var _ dispatch.Listener = (*eventPrinter)(nil)

// HandleEvent implements dispatch.Listener.
func (p *eventPrinter) HandleEvent(_ context.Context, ev model.Event) error {
	if p.filter != nil && !p.filter[ev.Type] {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.out, formatEvent(ev))
	return err
}

func formatEvent(ev model.Event) string {
	var b strings.Builder
	b.WriteString(ev.At.UTC().Format("15:04:05.000"))
	b.WriteString(" ")
	b.WriteString(ev.AccountID)
	b.WriteString(" ")
	b.WriteString(string(ev.Type))

	switch {
	case ev.Price != nil:
		fmt.Fprintf(&b, " %s bid=%s ask=%s", ev.Price.Symbol, ev.Price.Bid, ev.Price.Ask)
	case ev.Position != nil:
		fmt.Fprintf(&b, " %s %s %s volume=%s profit=%s",
			ev.Position.ID, ev.Position.Symbol, ev.Position.Type, ev.Position.Volume, ev.Position.Profit)
	case ev.AccountInformation != nil:
		fmt.Fprintf(&b, " balance=%s equity=%s", ev.AccountInformation.Balance, ev.AccountInformation.Equity)
	case ev.Order != nil:
		fmt.Fprintf(&b, " %s %s", ev.Order.ID, ev.Order.Symbol)
	case ev.Deal != nil:
		fmt.Fprintf(&b, " %s %s", ev.Deal.ID, ev.Deal.Symbol)
	case ev.State != "":
		fmt.Fprintf(&b, " %s -> %s", ev.PrevState, ev.State)
	case ev.Substream != "":
		fmt.Fprintf(&b, " %s", ev.Substream)
	case ev.ID != "":
		fmt.Fprintf(&b, " %s", ev.ID)
	}
	if ev.Type == model.EventPositionsReplaced {
		fmt.Fprintf(&b, " count=%d", len(ev.Positions))
	}
	if ev.Type == model.EventOrdersReplaced {
		fmt.Fprintf(&b, " count=%d", len(ev.Orders))
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", ev.Reason)
	}
	if ev.Err != nil {
		fmt.Fprintf(&b, " error=%q", ev.Err.Error())
	}
	return b.String()
}
