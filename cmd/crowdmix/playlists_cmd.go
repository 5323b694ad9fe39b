package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(playlistsCmd)
	playlistsCmd.AddCommand(playlistsListCmd)
	playlistsCmd.AddCommand(playlistsShowCmd)
}

var playlistsCmd = &cobra.Command{
	Use:   "playlists",
	Short: "Browse collaborative playlists",
}

var playlistsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your playlists",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		playlists, err := client.Playlists().List(ctx)
		if err != nil {
			return fmt.Errorf("cannot list playlists: %w", err)
		}
		if len(playlists) == 0 {
			fmt.Println("No playlists.")
			return nil
		}
		for _, pl := range playlists {
			collab := ""
			if pl.Collaborative {
				collab = " (collaborative)"
			}
			fmt.Printf("%-24s %s%s\n", pl.Name, pl.ID, collab)
		}
		return nil
	},
}

var playlistsShowCmd = &cobra.Command{
	Use:   "show <playlist-id>",
	Short: "Show a playlist and its tracks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		playlist, stale, err := client.Playlists().Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cannot fetch playlist: %w", err)
		}
		if stale {
			fmt.Println("(offline: showing last known playlist)")
		}

		fmt.Printf("%s (%s)\n", playlist.Name, playlist.ID)
		if len(playlist.Tracks) == 0 {
			fmt.Println("  (empty)")
			return nil
		}
		for _, track := range playlist.Tracks {
			label := track.Title
			if track.Artist != "" {
				label += " - " + track.Artist
			}
			fmt.Printf("%3d. %-48s %s\n", track.Position+1, label, formatDuration(track.Duration))
		}
		return nil
	},
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
