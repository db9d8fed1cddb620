package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	accountsCmd := &cobra.Command{Use: "accounts", Short: "Account operations"}

	// add
	var user, providerID, credsJSON string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a provider account",
		RunE: func(cmd *cobra.Command, args []string) error {
			var creds map[string]interface{}
			if err := json.Unmarshal([]byte(credsJSON), &creds); err != nil {
				return fmt.Errorf("--credentials must be a JSON object: %w", err)
			}
			payload := map[string]interface{}{"providerId": providerID, "credentials": creds}
			data, err := doPostJSON(fmt.Sprintf("/api/users/%s/accounts", user), payload)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	addCmd.Flags().StringVarP(&user, "user", "u", "", "User ID (required)")
	addCmd.Flags().StringVarP(&providerID, "provider", "p", "", "Provider ID (required)")
	addCmd.Flags().StringVarP(&credsJSON, "credentials", "c", "{}", "Credentials as a JSON object")
	_ = addCmd.MarkFlagRequired("user")
	_ = addCmd.MarkFlagRequired("provider")
	accountsCmd.AddCommand(addCmd)

	// list
	var listUser string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet(fmt.Sprintf("/api/users/%s/accounts", listUser))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	listCmd.Flags().StringVarP(&listUser, "user", "u", "", "User ID (required)")
	_ = listCmd.MarkFlagRequired("user")
	accountsCmd.AddCommand(listCmd)

	// get
	getCmd := &cobra.Command{
		Use:   "get ACCOUNT_ID",
		Short: "Get account by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/accounts/" + args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	accountsCmd.AddCommand(getCmd)

	// remove
	removeCmd := &cobra.Command{
		Use:   "remove ACCOUNT_ID",
		Short: "Remove an account and its connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDelete("/api/accounts/" + args[0])
		},
	}
	accountsCmd.AddCommand(removeCmd)

	// set-default
	defaultCmd := &cobra.Command{
		Use:   "set-default ACCOUNT_ID",
		Short: "Make the account the default for its provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := doPostJSON("/api/accounts/"+args[0]+"/default", nil)
			return err
		},
	}
	accountsCmd.AddCommand(defaultCmd)

	// refresh-calendars
	refreshCmd := &cobra.Command{
		Use:   "refresh-calendars ACCOUNT_ID",
		Short: "Re-discover the account's calendar list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doPostJSON("/api/accounts/"+args[0]+"/calendars/refresh", nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	accountsCmd.AddCommand(refreshCmd)

	rootCmd.AddCommand(accountsCmd)
}
