package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crowdmix-app/crowdmix-go"
)

var (
	eventsCreateDescription string
	eventsCreateStarts      string
	eventsCreateEnds        string
	voteLat                 float64
	voteLng                 float64
)

func init() {
	eventsCreateCmd.Flags().StringVar(&eventsCreateDescription, "description", "", "Event description")
	eventsCreateCmd.Flags().StringVar(&eventsCreateStarts, "starts", "", "Start time (RFC3339), defaults to now")
	eventsCreateCmd.Flags().StringVar(&eventsCreateEnds, "ends", "", "End time (RFC3339), defaults to starts + 4h")

	voteCmd.Flags().Float64Var(&voteLat, "lat", 0, "Device latitude, for location-gated events")
	voteCmd.Flags().Float64Var(&voteLng, "lng", 0, "Device longitude, for location-gated events")

	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsCreateCmd)
	eventsCmd.AddCommand(eventsTallyCmd)
	rootCmd.AddCommand(voteCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Browse and manage events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		events, stale, err := client.Events().List(ctx)
		if err != nil {
			return fmt.Errorf("cannot list events: %w", err)
		}
		if stale {
			fmt.Println("(offline: showing last known events)")
		}
		if len(events) == 0 {
			fmt.Println("No events.")
			return nil
		}
		for _, ev := range events {
			open := " "
			if ev.VotingOpen(time.Now()) {
				open = "*"
			}
			fmt.Printf("%s %-24s %-12s %s\n", open, ev.Name, ev.ID, ev.StartsAt.Local().Format("Mon 15:04"))
		}
		fmt.Println("\n* voting open")
		return nil
	},
}

var eventsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		starts := time.Now()
		if eventsCreateStarts != "" {
			var err error
			starts, err = time.Parse(time.RFC3339, eventsCreateStarts)
			if err != nil {
				return fmt.Errorf("invalid --starts: %w", err)
			}
		}
		ends := starts.Add(4 * time.Hour)
		if eventsCreateEnds != "" {
			var err error
			ends, err = time.Parse(time.RFC3339, eventsCreateEnds)
			if err != nil {
				return fmt.Errorf("invalid --ends: %w", err)
			}
		}

		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ev, err := client.Events().Create(ctx, &crowdmix.CreateEventOptions{
			Name:        args[0],
			Description: eventsCreateDescription,
			StartsAt:    starts,
			EndsAt:      ends,
		})
		if err != nil {
			return fmt.Errorf("cannot create event: %w", err)
		}
		fmt.Printf("Created event %s (%s)\n", ev.Name, ev.ID)
		return nil
	},
}

var eventsTallyCmd = &cobra.Command{
	Use:   "tally <event-id>",
	Short: "Show an event's vote standing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tally, err := client.Events().Tally(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cannot fetch tally: %w", err)
		}
		printTally(tally)
		return nil
	},
}

var voteCmd = &cobra.Command{
	Use:   "vote <event-id> <track-id>",
	Short: "Cast a vote for a track at an event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
			client.SetLocation(crowdmix.Location{Latitude: voteLat, Longitude: voteLng})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Events().Vote(ctx, args[0], args[1]); err != nil {
			switch {
			case errors.Is(err, crowdmix.ErrVotingClosed):
				return fmt.Errorf("voting is closed for this event")
			case errors.Is(err, crowdmix.ErrLocationRequired):
				return fmt.Errorf("this event requires a location; pass --lat and --lng")
			}
			return fmt.Errorf("vote failed: %w", err)
		}

		tally, err := client.Events().RefreshTally(ctx, args[0])
		if err != nil {
			fmt.Println("Vote cast.")
			return nil
		}
		fmt.Println("Vote cast. Current standing:")
		printTally(tally)
		return nil
	},
}

func printTally(t *crowdmix.Tally) {
	if len(t.Entries) == 0 {
		fmt.Println("No votes yet.")
		return
	}
	for i, entry := range t.Entries {
		label := entry.Title
		if label == "" {
			label = entry.TrackID
		}
		if entry.Artist != "" {
			label += " - " + entry.Artist
		}
		fmt.Printf("%2d. %-40s %d votes\n", i+1, label, entry.Votes)
	}
}
