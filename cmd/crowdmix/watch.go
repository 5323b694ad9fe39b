package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crowdmix-app/crowdmix-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the realtime stream",
	Long: `Connect to the realtime push stream and print messages as they arrive.
Cached reads made by other commands in this process are reconciled live.
Press Ctrl-C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream := client.Stream()
		stream.OnConnected(func() {
			fmt.Println("connected")
		})
		stream.OnDisconnected(func(reason string) {
			fmt.Printf("disconnected: %s\n", reason)
		})
		stream.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("reconnecting (attempt %d, in %s)\n", attempt, delay.Round(time.Millisecond))
		})

		if err := stream.Connect(ctx); err != nil {
			return fmt.Errorf("cannot connect: %w", err)
		}
		defer stream.Disconnect()

		// Tee envelopes: print each one, then hand it to the reconciler.
		seen := make(chan crowdmix.Envelope, 64)
		go client.Reconciler().Run(ctx, seen)

		for {
			select {
			case <-ctx.Done():
				return nil
			case env, ok := <-stream.Messages():
				if !ok {
					return nil
				}
				fmt.Printf("%s  %-20s %s\n",
					time.Now().Format("15:04:05"), env.Type, string(env.Payload))
				select {
				case seen <- env:
				case <-ctx.Done():
					return nil
				}
			}
		}
	},
}
