package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/campusdesk/chatkit"
)

var (
	watchAckRead     bool
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().BoolVar(&watchAckRead, "ack-read", false, "Mark incoming messages read as they arrive")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messages and read receipts",
	Long:  "Open the live channel and print incoming messages, confirmations and read receipts until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, log, err := getClient(true)
		if err != nil {
			return err
		}
		self, err := identity(cfg)
		if err != nil {
			return err
		}
		rc, err := realtimeConfig(cfg, &log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *chatkit.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = chatkit.NewMetrics(reg)
			srv := serveMetrics(watchMetricsAddr, reg, log)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		store := chatkit.NewMessageStore(chatkit.WithStoreLogger(log), chatkit.WithStoreMetrics(metrics))
		syncCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err = client.SyncConversations(syncCtx, store)
		cancel()
		if err != nil {
			return err
		}

		san := chatkit.NewSanitizer()
		toAck := make(chan string, 64)
		store.On(chatkit.EventMessageNew, func(_ string, payload any) {
			m := payload.(chatkit.Message)
			printMessage(san.Render([]chatkit.Message{m})[0], self.UserID)
			if watchAckRead && m.SenderID != self.UserID {
				select {
				case toAck <- m.ConversationID:
				default:
				}
			}
		})
		store.On(chatkit.EventMessageConfirmed, func(_ string, payload any) {
			ev := payload.(chatkit.ConfirmedEvent)
			fmt.Printf("  confirmed %s -> %s\n", ev.TempID, ev.Message.ID)
		})
		store.On(chatkit.EventMessagesRead, func(_ string, payload any) {
			ev := payload.(chatkit.ReadEvent)
			if ev.ReaderID != self.UserID {
				fmt.Printf("  %s read %d message(s) in %s\n", ev.ReaderID, ev.Changed, ev.ConversationID)
			}
		})

		dial := client.Realtime(rc)
		adapter := chatkit.NewChannelAdapter(store, func(id chatkit.Identity) chatkit.Transport {
			t := dial(id)
			if ws, ok := t.(*chatkit.RealtimeWSClient); ok {
				ws.OnDisconnected(func(code int, reason string) {
					log.Warn().Int("code", code).Str("reason", reason).Msg("channel disconnected")
				})
				ws.OnReconnecting(func(attempt int, delay time.Duration) {
					fmt.Fprintf(os.Stderr, "reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
				})
				ws.OnError(func(p chatkit.RealtimeErrorPayload) {
					log.Error().Str("message", p.Message).Msg("server error")
				})
			}
			return t
		}, chatkit.WithAdapterLogger(log), chatkit.WithAdapterMetrics(metrics))

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = adapter.SetIdentity(connectCtx, &self)
		cancel()
		if err != nil {
			return err
		}
		defer adapter.Close()

		fmt.Fprintf(os.Stderr, "Watching as %s. Press Ctrl+C to stop.\n", valueOrDefault(self.Username, self.UserID))

		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "Stopped.")
				return nil
			case convID := <-toAck:
				if err := adapter.MarkConversationRead(ctx, convID); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Str("conversation", convID).Msg("mark read failed")
				}
			}
		}
	},
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
