package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	connectionsCmd := &cobra.Command{Use: "connections", Short: "Sync connection operations"}

	// create
	var account, settingsJSON string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sync connection for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := map[string]interface{}{}
			if settingsJSON != "" {
				if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
					return fmt.Errorf("--settings must be a JSON object: %w", err)
				}
			}
			data, err := doPostJSON(fmt.Sprintf("/api/accounts/%s/connections", account),
				map[string]interface{}{"settings": settings})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	createCmd.Flags().StringVarP(&account, "account", "c", "", "Account ID (required)")
	createCmd.Flags().StringVarP(&settingsJSON, "settings", "s", "", "Sync settings as a JSON object")
	_ = createCmd.MarkFlagRequired("account")
	connectionsCmd.AddCommand(createCmd)

	// list
	var listUser string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List connections for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet(fmt.Sprintf("/api/users/%s/connections", listUser))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	listCmd.Flags().StringVarP(&listUser, "user", "u", "", "User ID (required)")
	_ = listCmd.MarkFlagRequired("user")
	connectionsCmd.AddCommand(listCmd)

	// get
	getCmd := &cobra.Command{
		Use:   "get CONNECTION_ID",
		Short: "Get connection by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/connections/" + args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	connectionsCmd.AddCommand(getCmd)

	// remove
	removeCmd := &cobra.Command{
		Use:   "remove CONNECTION_ID",
		Short: "Remove a connection and its sync state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDelete("/api/connections/" + args[0])
		},
	}
	connectionsCmd.AddCommand(removeCmd)

	// settings
	var updateJSON string
	settingsCmd := &cobra.Command{
		Use:   "settings CONNECTION_ID",
		Short: "Replace connection sync settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var settings map[string]interface{}
			if err := json.Unmarshal([]byte(updateJSON), &settings); err != nil {
				return fmt.Errorf("--settings must be a JSON object: %w", err)
			}
			data, err := doPutJSON("/api/connections/"+args[0]+"/settings", settings)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	settingsCmd.Flags().StringVarP(&updateJSON, "settings", "s", "", "Sync settings as a JSON object (required)")
	_ = settingsCmd.MarkFlagRequired("settings")
	connectionsCmd.AddCommand(settingsCmd)

	// results
	resultsCmd := &cobra.Command{
		Use:   "results CONNECTION_ID",
		Short: "Show recent sync results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/connections/" + args[0] + "/results")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	connectionsCmd.AddCommand(resultsCmd)

	// queue
	queueCmd := &cobra.Command{
		Use:   "queue CONNECTION_ID",
		Short: "Show pending offline operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/connections/" + args[0] + "/queue")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	connectionsCmd.AddCommand(queueCmd)

	rootCmd.AddCommand(connectionsCmd)
}
