package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
)

type ingestReply struct {
	EventID   string `json:"event_id"`
	Decisions []struct {
		ID        string `json:"id"`
		TriggerID string `json:"trigger_id"`
		GroupKey  string `json:"group_key"`
		Count     int    `json:"count"`
	} `json:"decisions"`
}

func newEmitCmd(o *options) *cobra.Command {
	var (
		ev         event.Event
		attrs      map[string]string
		occurredAt string
	)
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send one event and print the decisions it fired",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Attributes = attrs
			ev.OccurredAt = time.Now().UTC()
			if occurredAt != "" {
				t, err := time.Parse(time.RFC3339Nano, occurredAt)
				if err != nil {
					return fmt.Errorf("--occurred-at: %w", err)
				}
				ev.OccurredAt = t
			}
			if err := ev.Validate(); err != nil {
				return err
			}
			var reply ingestReply
			if err := o.call(http.MethodPost, "/v1/events", &ev, &reply); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "event %s accepted, %d decision(s)\n", reply.EventID, len(reply.Decisions))
			for _, d := range reply.Decisions {
				fmt.Fprintf(out, "  fired %s group=%q count=%d decision=%s\n", d.TriggerID, d.GroupKey, d.Count, d.ID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&ev.ID, "id", "", "producer event id used for deduplication")
	f.StringVar(&ev.ResourceID, "resource", "", "resource id, e.g. prefect.flow-run.abc")
	f.StringVar(&ev.Type, "type", "", "event type")
	f.StringSliceVar(&ev.Related, "related", nil, "related resource ids")
	f.StringToStringVar(&attrs, "attr", nil, "attribute key=value pairs")
	f.StringVar(&occurredAt, "occurred-at", "", "occurrence time (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
