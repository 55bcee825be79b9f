package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/infrastructure/signalchannel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a context and print its messages as they converge",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&contextID, "context", "", "context id to follow")
	_ = watchCmd.MarkFlagRequired("context")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	_, svcs, err := initServices()
	if err != nil {
		return err
	}
	defer svcs.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newContentPrinter(cmd.OutOrStdout(), svcs.GetStoreService())
	listener, channel := svcs.NewListener(contextID, printer)

	log.Info().Str("context_id", contextID).Msg("Watching context")
	err = listener.Run(ctx, channel)
	if err != nil && ctx.Err() == nil {
		return err
	}

	stats := listener.Reconciler().Stats()
	log.Info().
		Int64("pulls", stats.Pulls).
		Int64("gaps", stats.Gaps).
		Int64("coalesced", stats.Coalesced).
		Int64("dropped_signals", listener.Dropped()).
		Msg("Stopped watching")
	return nil
}

// messageReader is the slice of the store the printer reads from
type messageReader interface {
	Get(ctx context.Context, messageID string) (models.Message, error)
}

// contentPrinter writes the newly converged suffix of each message. Context
// level changes go to the log.
type contentPrinter struct {
	out   io.Writer
	store messageReader

	mu      sync.Mutex
	printed map[string]int
	current string
}

func newContentPrinter(out io.Writer, store messageReader) *contentPrinter {
	return &contentPrinter{
		out:     out,
		store:   store,
		printed: make(map[string]int),
	}
}

func (p *contentPrinter) OnStateChanged(contextID, state string) {
	log.Info().Str("context_id", contextID).Str("state", state).Msg("Context state changed")
}

func (p *contentPrinter) OnTitleUpdated(contextID, title string) {
	log.Info().Str("context_id", contextID).Str("title", title).Msg("Context title updated")
}

func (p *contentPrinter) OnConnectionStatus(contextID string, status signalchannel.Status) {
	log.Info().Str("context_id", contextID).Str("status", string(status)).Msg("Signal channel")
}

func (p *contentPrinter) OnMessageUpdated(_, messageID string) {
	msg, err := p.store.Get(context.Background(), messageID)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := p.printed[messageID]
	if len(msg.Content) < seen {
		// Content was replaced by an authoritative snapshot
		seen = 0
	}
	delta := msg.Content[seen:]
	if delta == "" {
		return
	}

	if p.current != messageID {
		if p.current != "" {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintf(p.out, "[%s %s] ", msg.Role, shortID(messageID))
		p.current = messageID
	}
	fmt.Fprint(p.out, delta)
	p.printed[messageID] = len(msg.Content)
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "msg_")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
