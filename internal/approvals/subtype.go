package approvals

import "encoding/json"

// DefaultSubType is used by every actionType that has no sub-classification
// rule below.
const DefaultSubType = "default"

// DeriveSubType computes the subType an ApprovalPattern is keyed on from
// (actionType, payload). Only actionTypes with a meaningful
// sub-classification get an entry here; everything else is "default".
func DeriveSubType(actionType string, payload json.RawMessage) string {
	switch actionType {
	case "email.send":
		var body struct {
			ReplyToMessageID string `json:"replyToMessageId"`
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &body)
		}
		if body.ReplyToMessageID != "" {
			return "reply"
		}
		return "new"
	default:
		return DefaultSubType
	}
}
