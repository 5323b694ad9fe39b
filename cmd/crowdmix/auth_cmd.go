package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/crowdmix-app/crowdmix-go"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Authenticate and store the session locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("cannot read password: %w", err)
		}

		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := client.Auth().Login(ctx, username, string(password))
		if err != nil {
			if errors.Is(err, crowdmix.ErrSessionExpired) {
				return fmt.Errorf("login failed: invalid username or password")
			}
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}
		if err := client.Auth().Logout(context.Background()); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the authenticated account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newSDKClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := client.Users().Me(ctx)
		if err != nil {
			if errors.Is(err, crowdmix.ErrSessionExpired) {
				return fmt.Errorf("not logged in; run 'crowdmix login <username>'")
			}
			return err
		}

		fmt.Printf("Username: %s\n", user.Username)
		fmt.Printf("User ID:  %s\n", user.ID)
		if user.Email != "" {
			fmt.Printf("Email:    %s\n", user.Email)
		}
		return nil
	},
}
