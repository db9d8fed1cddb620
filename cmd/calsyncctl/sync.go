package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	// sync
	var force bool
	syncCmd := &cobra.Command{
		Use:   "sync CONNECTION_ID",
		Short: "Run one sync cycle for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/connections/" + args[0] + "/sync"
			if force {
				path += "?force=1"
			}
			data, err := doPostJSON(path, nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	syncCmd.Flags().BoolVarP(&force, "force", "f", false, "Bypass the up-front rate limit check")
	rootCmd.AddCommand(syncCmd)

	// sync-all
	var user string
	syncAllCmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Sync every connection of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doPostJSON(fmt.Sprintf("/api/users/%s/sync", user), nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	syncAllCmd.Flags().StringVarP(&user, "user", "u", "", "User ID (required)")
	_ = syncAllCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(syncAllCmd)

	// providers
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List registered providers and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/providers")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	rootCmd.AddCommand(providersCmd)

	// ratelimits
	ratelimitsCmd := &cobra.Command{
		Use:   "ratelimits",
		Short: "Show rate limiter windows and queue depth per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/ratelimits")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	rootCmd.AddCommand(ratelimitsCmd)
}
