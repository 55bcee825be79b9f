package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepgram/sigpull/internal/config"
	"github.com/deepgram/sigpull/internal/connections"
	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/mockserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const demoContextID = "demo"

var (
	demo         bool
	demoInterval time.Duration
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Serve a local Signal-Pull backend for development",
	Long: `Serve the Signal-Pull REST and signal endpoints from memory. With --demo a
context named "demo" is created and an assistant reply is streamed into it
on an interval, so "sigpull watch --context demo" has something to follow.`,
	Args: cobra.NoArgs,
	RunE: runMockServer,
}

func init() {
	mockServerCmd.Flags().BoolVar(&demo, "demo", false, "seed a demo context and stream replies into it")
	mockServerCmd.Flags().DurationVar(&demoInterval, "demo-interval", 20*time.Second, "delay between demo replies")
}

func runMockServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := newMockServer(cfg)
	if demo {
		seedDemo(server)
		go streamDemo(ctx, server, demoInterval)
	}

	return server.ListenAndServe(ctx, cfg.Mock.Addr)
}

func newMockServer(cfg *config.Config) *mockserver.Server {
	return mockserver.New(mockserver.Config{
		JWTSecret: cfg.Server.JWTSecret,
		Timeouts: connections.TimeoutConfig{
			PongWait:   cfg.Sync.PongWait,
			PingPeriod: cfg.Sync.PingPeriod,
			WriteWait:  cfg.Sync.WriteWait,
		},
	})
}

func seedDemo(server *mockserver.Server) {
	server.AddPreset(models.SystemPromptPreset{
		ID:      "default",
		Name:    "Default",
		Content: "You are a concise assistant. Prefer short answers.",
	})
	server.CreateContext(models.ContextMetadata{
		ID:             demoContextID,
		Mode:           "chat",
		ModelID:        "mock",
		SystemPromptID: "default",
		Title:          "Demo",
	})
	if _, err := server.AddMessage(demoContextID, models.Message{
		Role:    models.RoleUser,
		Content: "Tell me something about signals.",
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to seed demo message")
	}
}

var demoReplies = []string{
	"A signal only says that something changed. The content is always pulled.",
	"Lost signals are harmless: the next one carries a higher sequence and the gap is pulled.",
	"After a reconnect every streaming message is caught up from its last applied sequence.",
}

func streamDemo(ctx context.Context, server *mockserver.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		_ = server.SetState(demoContextID, "streaming")
		reply := demoReplies[i%len(demoReplies)]
		if _, err := server.StreamReply(ctx, demoContextID, reply, 6, 150*time.Millisecond); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Msg("Demo reply failed")
		}
		_ = server.SetState(demoContextID, "idle")

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
