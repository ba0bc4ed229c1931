package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// echoChange runs change while printing the value it stores for key.
func echoChange(out io.Writer, key string, change func() error) error {
	cancel, err := store.Subscribe(key, func(k, v string) {
		fmt.Fprintf(out, "%s = %q\n", k, v)
	})
	if err != nil {
		return err
	}
	defer cancel()
	return change()
}

func settingsCommand() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change stored settings",
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return echoChange(cmd.OutOrStdout(), args[0], func() error {
				return store.Set(args[0], args[1])
			})
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <key>",
		Short: "Restore a setting to its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return echoChange(cmd.OutOrStdout(), args[0], func() error {
				return store.Reset(args[0])
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p := store.Path(); p != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Settings file: %s\n", p)
			}
			for _, k := range store.Keys() {
				v, err := store.Get(k)
				if err != nil {
					return err
				}
				suffix := ""
				if store.IsDefault(k) {
					suffix = "  (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-18s = %q%s\n", k, v, suffix)
			}
			return nil
		},
	}

	settingsCmd.AddCommand(getCmd, setCmd, resetCmd, listCmd)
	return settingsCmd
}
