package remediation

import (
	"encoding/json"
	"strings"
)

// AckState is the lifecycle state of a dispatch acknowledgement.
type AckState string

const (
	AckAcknowledged AckState = "acknowledged"
	AckClosed       AckState = "closed"
	AckPending      AckState = "pending"
	AckInvalid      AckState = "invalid"
)

// IsCompletion reports whether the state represents terminal closure.
func (s AckState) IsCompletion() bool { return s == AckAcknowledged || s == AckClosed }

// AckRecord is a parsed acknowledgement.
type AckRecord struct {
	State         AckState
	Timestamp     int64
	Acknowledged  bool
	Closed        bool
	Notes         string
	HasNotes      bool
	Detail        string
}

var ackWordAcknowledged = map[string]bool{"ack": true, "acknowledged": true, "ok": true, "accepted": true, "success": true}
var ackWordClosed = map[string]bool{"closed": true, "resolved": true, "done": true, "complete": true, "closed-out": true}
var ackWordPending = map[string]bool{"pending": true, "waiting": true, "open": true, "queued": true, "processing": true, "in-progress": true}
var ackWordInvalid = map[string]bool{"invalid": true, "error": true, "failed": true, "rejected": true, "unknown": true}

// ParseTextAcknowledgement implements the plain-text / JSON-string ack
// grammar: trim, split on the first ':' else the first ' ', lowercase
// the status word, map it to a state.
func ParseTextAcknowledgement(text string, ts int64) *AckRecord {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	status := trimmed
	note := ""
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		status = trimmed[:idx]
		note = strings.TrimSpace(trimmed[idx+1:])
	} else if idx := strings.Index(trimmed, " "); idx >= 0 {
		status = trimmed[:idx]
		note = strings.TrimSpace(trimmed[idx+1:])
	}
	statusLower := strings.ToLower(strings.TrimSpace(status))

	rec := &AckRecord{Timestamp: ts}
	switch {
	case ackWordAcknowledged[statusLower]:
		rec.State = AckAcknowledged
		rec.Acknowledged = true
	case ackWordClosed[statusLower]:
		rec.State = AckClosed
		rec.Acknowledged = true
		rec.Closed = true
	case ackWordPending[statusLower]:
		rec.State = AckPending
	case ackWordInvalid[statusLower]:
		rec.State = AckInvalid
		if note != "" {
			rec.Detail = statusLower + ": " + note
		} else {
			rec.Detail = trimmed
		}
	default:
		rec.State = AckInvalid
		rec.Detail = trimmed
	}
	if note != "" {
		rec.Notes = note
		rec.HasNotes = true
	}
	return rec
}

// ParseDispatchAcknowledgement implements the full ack-body grammar: a
// JSON object with acknowledged/closed, a JSON string, or plain text.
// Returns nil for an empty body (no acknowledgement record).
func ParseDispatchAcknowledgement(body []byte, ts int64) *AckRecord {
	if len(body) == 0 {
		return nil
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return ParseTextAcknowledgement(string(body), ts)
	}

	switch v := raw.(type) {
	case string:
		return ParseTextAcknowledgement(v, ts)
	case map[string]any:
		_, hasAck := v["acknowledged"]
		_, hasClosed := v["closed"]
		if !hasAck && !hasClosed {
			return nil
		}
		closedFlag, _ := v["closed"].(bool)
		ackFlag, _ := v["acknowledged"].(bool)
		if closedFlag {
			ackFlag = true
		}
		rec := &AckRecord{Timestamp: ts, Acknowledged: ackFlag, Closed: closedFlag}
		switch {
		case closedFlag:
			rec.State = AckClosed
		case ackFlag:
			rec.State = AckAcknowledged
		default:
			rec.State = AckPending
		}
		if notes, ok := v["notes"].(string); ok {
			rec.Notes = notes
			rec.HasNotes = true
		}
		return rec
	default:
		return &AckRecord{Timestamp: ts, State: AckInvalid, Detail: "acknowledgement response must be a JSON object"}
	}
}
