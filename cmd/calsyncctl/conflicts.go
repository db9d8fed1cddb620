package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	conflictsCmd := &cobra.Command{Use: "conflicts", Short: "Conflict operations"}

	// list
	var connection string
	var unresolvedOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts on a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/connections/%s/conflicts", connection)
			if unresolvedOnly {
				path += "?unresolved=1"
			}
			data, err := doGet(path)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	listCmd.Flags().StringVarP(&connection, "connection", "c", "", "Connection ID (required)")
	listCmd.Flags().BoolVar(&unresolvedOnly, "unresolved", false, "Only show open conflicts")
	_ = listCmd.MarkFlagRequired("connection")
	conflictsCmd.AddCommand(listCmd)

	// get
	getCmd := &cobra.Command{
		Use:   "get CONFLICT_ID",
		Short: "Get conflict by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/conflicts/" + args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	conflictsCmd.AddCommand(getCmd)

	// resolve
	var strategy string
	resolveCmd := &cobra.Command{
		Use:   "resolve CONFLICT_ID",
		Short: "Resolve a conflict with a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doPostJSON("/api/conflicts/"+args[0]+"/resolve",
				map[string]string{"strategy": strategy})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	resolveCmd.Flags().StringVarP(&strategy, "strategy", "s", "", "keep_local | keep_remote | merge | create_both (required)")
	_ = resolveCmd.MarkFlagRequired("strategy")
	conflictsCmd.AddCommand(resolveCmd)

	rootCmd.AddCommand(conflictsCmd)
}
