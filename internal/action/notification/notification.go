// Package notification implements the send-notification action.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/action"
	"github.com/gyaneshwarpardhi/triggerflow/internal/notify"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// Action renders the subject and body and hands them to a publisher.
type Action struct {
	pub notify.Publisher
	now func() time.Time
}

func New(p notify.Publisher) *Action { return &Action{pub: p, now: time.Now} }

func (a *Action) Type() trigger.ActionKind { return trigger.KindNotify }

func (a *Action) Execute(ctx context.Context, inv *action.Invocation) (*action.Result, error) {
	spec, ok := inv.Action.(*trigger.Notify)
	if !ok {
		return nil, action.Permanent(fmt.Errorf("send-notification: unexpected action %T", inv.Action))
	}
	subject, err := inv.Expand(spec.Subject)
	if err != nil {
		return nil, err
	}
	body := spec.Body
	if body == "" {
		body = defaultBody
	}
	body, err = inv.Expand(body)
	if err != nil {
		return nil, err
	}

	msg := notify.Message{
		Channel:        spec.Channel,
		Subject:        subject,
		Body:           body,
		TriggerID:      inv.Decision.TriggerID,
		DecisionID:     inv.Decision.ID,
		IdempotencyKey: inv.IdempotencyKey(),
		SentAt:         a.now(),
	}
	if err := a.pub.Publish(ctx, msg); err != nil {
		return nil, err
	}
	return &action.Result{
		Index:   inv.Index,
		Type:    string(a.Type()),
		Success: true,
		Message: "notified " + spec.Channel,
	}, nil
}

const defaultBody = "Trigger {{ trigger.id }} fired for {{ trigger.group_key }} ({{ trigger.count }} events)"
