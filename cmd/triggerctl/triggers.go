package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type triggerRow struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	Source  string `json:"source"`
	Enabled bool   `json:"enabled"`
	Posture string `json:"posture"`
}

func newTriggersCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect and manage registered triggers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Triggers []triggerRow `json:"triggers"`
			}
			if err := o.call(http.MethodGet, "/v1/triggers", nil, &reply); err != nil {
				return err
			}
			if len(reply.Triggers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No triggers registered")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPOSTURE\tVERSION\tSOURCE\tENABLED\tNAME")
			for _, t := range reply.Triggers {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\t%s\n", t.ID, t.Posture, t.Version, t.Source, t.Enabled, t.Name)
			}
			return tw.Flush()
		},
	}

	remove := &cobra.Command{
		Use:   "delete ID",
		Short: "Remove a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.call(http.MethodDelete, "/v1/triggers/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trigger %s deleted\n", args[0])
			return nil
		},
	}

	reload := &cobra.Command{
		Use:   "reload",
		Short: "Reload file triggers on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Added   []string `json:"added"`
				Updated []string `json:"updated"`
				Removed []string `json:"removed"`
			}
			if err := o.call(http.MethodPost, "/v1/triggers/reload", nil, &reply); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d, updated %d, removed %d\n",
				len(reply.Added), len(reply.Updated), len(reply.Removed))
			return nil
		},
	}

	cmd.AddCommand(list, remove, reload)
	return cmd
}
