package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephaschat/chattest"
	"github.com/luciancaetano/kephaschat/internal/protocol"
)

func mockCmd() *cobra.Command {
	var (
		addr     string
		accounts map[string]string
		userRoom string
		rooms    int
	)

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run an in-process chat backend for local testing",
		Example: `  kephaschat mock --addr :8080 --accounts op-token=superadmin,user-token=user
  kephaschat connect --url ws://localhost:8080/ws --token op-token --role operator`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := chattest.Options{
				UserRoom: userRoom,
				Rooms:    demoRooms(rooms, userRoom),
			}
			if len(accounts) > 0 {
				opts.Accounts = accounts
			}

			srv := chattest.NewServer(opts)
			if err := srv.Start(ctx, addr); err != nil {
				return fmt.Errorf("start mock backend: %w", err)
			}
			log.Info().Str("addr", addr).Int("rooms", rooms).Msg("[mock] chat backend ready at /ws")

			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(sctx); err != nil {
				return err
			}
			log.Info().Msg("[mock] shutdown complete")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", ":8080", "listen address")
	flags.StringToStringVar(&accounts, "accounts", nil, "credential=role pairs; empty accepts any credential as a user")
	flags.StringVar(&userRoom, "user-room", "room-1", "room assigned to users")
	flags.IntVar(&rooms, "rooms", 3, "rooms listed in the operator roster")

	return cmd
}

func demoRooms(n int, first string) []protocol.Chatroom {
	now := time.Now()
	out := make([]protocol.Chatroom, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("room-%d", i+1)
		switch {
		case i == 0:
			id = first
		case id == first:
			id += "-b"
		}
		out = append(out, protocol.Chatroom{
			ChatID:       protocol.ID(id),
			UserID:       protocol.ID(fmt.Sprintf("u%d", i+1)),
			IsUserActive: i%2 == 0,
			UpdatedTime:  protocol.NewTimestamp(now.Add(-time.Duration(i) * time.Minute)),
			User: protocol.ChatroomUser{
				Name:     fmt.Sprintf("Customer %d", i+1),
				UserName: fmt.Sprintf("customer%d", i+1),
			},
		})
	}
	return out
}
