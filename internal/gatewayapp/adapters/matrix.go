package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/inheritance"
	"github.com/semblance-ai/semblance/internal/semerr"
)

// Notifier is the one method this adapter needs from a Matrix client —
// internal/matrix.Client satisfies it directly via SendNotice, adapted
// here from its original "tell the admin room something" role to
// "deliver one inheritance notification action".
type Notifier interface {
	SendNotice(roomID, message string) error
}

// notificationPayload is the payload shape for the notification category
// of inheritance actions (spec.md §4.8): which trusted party's configured
// room to notify, and the templated message to send. requiresConsensus
// and partyStates carry Core's own deletion-consensus snapshot, since
// Gateway never holds Activation state itself (spec §3's ownership
// split); dryRun requests the same eligibility check without a send, the
// behavior spec §4.8's test-run simulator requires.
type notificationPayload struct {
	RoomID            string            `json:"roomId"`
	Message           string            `json:"message"`
	DryRun            bool              `json:"dryRun"`
	RequiresConsensus bool              `json:"requiresDeletionConsensus"`
	PartyStates       map[string]string `json:"partyStates"`
	Quorum            int               `json:"quorum"`
}

type notificationResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
	Sent     bool   `json:"sent"`
	SentAt   string `json:"sentAt,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
}

type staticPartyStates map[string]inheritance.State

func (s staticPartyStates) ActivationStates() map[string]inheritance.State { return s }

func decodePartyStates(in map[string]string) staticPartyStates {
	out := make(staticPartyStates, len(in))
	for id, s := range in {
		switch s {
		case "time_locked":
			out[id] = inheritance.StateTimeLocked
		case "paused_for_confirmation":
			out[id] = inheritance.StatePausedForConfirmation
		case "executing":
			out[id] = inheritance.StateExecuting
		case "completed":
			out[id] = inheritance.StateCompleted
		case "cancelled":
			out[id] = inheritance.StateCancelled
		default:
			out[id] = inheritance.StateInactive
		}
	}
	return out
}

// MatrixNotification returns an adapter that delivers one inheritance
// notification action. When the payload declares requiresDeletionConsensus,
// it evaluates the supplied party-state snapshot before doing anything
// else: consensus failure returns {eligible:false, reason:blocked_by_consensus}
// and never touches the Matrix client, dry run or not. A dryRun request
// that is otherwise eligible returns {eligible:true, sent:false} without
// sending. Only an eligible, non-dry-run request sends a real Matrix
// notice — the one-way, fire-and-forget delivery the inheritance
// notification category needs; no inbound sync loop is required since the
// Gateway never listens for replies on this channel.
func MatrixNotification(notifier Notifier) func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
	return func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
		var in notificationPayload
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, semerr.Wrap(semerr.CodeSchemaViolation, fmt.Sprintf("%s: payload is not a valid notification object", actionType), err)
		}
		if in.RoomID == "" || in.Message == "" {
			return nil, semerr.New(semerr.CodeSchemaViolation, fmt.Sprintf("%s: payload.roomId and payload.message are required", actionType))
		}

		if in.RequiresConsensus {
			lister := decodePartyStates(in.PartyStates)
			if !inheritance.CheckDeletionConsensus(lister, inheritance.Quorum{Required: in.Quorum}) {
				return encodeNotificationResult(notificationResult{Eligible: false, Reason: "blocked_by_consensus"})
			}
		}

		if in.DryRun {
			return encodeNotificationResult(notificationResult{Eligible: true, Sent: false})
		}

		if err := notifier.SendNotice(in.RoomID, in.Message); err != nil {
			return nil, semerr.Wrap(semerr.CodeServerUnreachable, fmt.Sprintf("%s: send notice", actionType), err)
		}

		return encodeNotificationResult(notificationResult{
			Eligible: true,
			Sent:     true,
			SentAt:   time.Now().UTC().Format(time.RFC3339),
			RoomID:   in.RoomID,
		})
	}
}

func encodeNotificationResult(res notificationResult) (json.RawMessage, *semerr.Error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, semerr.Wrap(semerr.CodeServerUnreachable, "encode response", err)
	}
	return data, nil
}
