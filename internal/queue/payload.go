package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the closed set of task payload variants. Each kind of task
// carries a snapshot of the upstream object it acts on; workers dispatch on
// the concrete type.
type Payload interface {
	payloadKind() Kind
}

// IssuePayload is the snapshot for issue tasks.
type IssuePayload struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	Author    string    `json:"author"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

func (IssuePayload) payloadKind() Kind { return KindIssue }

// CommentPayload is the snapshot for comment tasks.
type CommentPayload struct {
	IssueTitle string    `json:"issue_title"`
	Body       string    `json:"body"`
	Author     string    `json:"author"`
	CommentID  int64     `json:"comment_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (CommentPayload) payloadKind() Kind { return KindComment }

// PRPayload is the snapshot for pull-request review tasks.
type PRPayload struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Author     string   `json:"author"`
	URL        string   `json:"url"`
	HeadRef    string   `json:"head_ref"`
	HeadSHA    string   `json:"head_sha"`
	BaseRef    string   `json:"base_ref"`
	Files      []string `json:"files,omitempty"`
	CommitMsgs []string `json:"commit_msgs,omitempty"`
}

func (PRPayload) payloadKind() Kind { return KindPRReview }

// CustomPayload carries an opaque prompt for ad-hoc tasks created through the
// admin API or follow-up actions.
type CustomPayload struct {
	Prompt string          `json:"prompt"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (CustomPayload) payloadKind() Kind { return KindCustom }

// taskAlias strips Task's methods so the JSON round-trip below does not
// recurse.
type taskAlias Task

// taskJSON mirrors Task for (de)serialization with the payload inlined as a
// raw message keyed by kind.
type taskJSON struct {
	taskAlias
	PayloadJSON json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the task including its kind-tagged payload.
func (t *Task) MarshalJSON() ([]byte, error) {
	out := taskJSON{taskAlias: taskAlias(*t)}
	if t.Payload != nil {
		data, err := json.Marshal(t.Payload)
		if err != nil {
			return nil, fmt.Errorf("queue: failed to marshal %s payload: %w", t.Kind, err)
		}
		out.PayloadJSON = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the task and reconstructs the payload variant from the
// task kind.
func (t *Task) UnmarshalJSON(data []byte) error {
	var in taskJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*t = Task(in.taskAlias)

	if len(in.PayloadJSON) == 0 {
		return nil
	}

	payload, err := decodePayload(t.Kind, in.PayloadJSON)
	if err != nil {
		return err
	}
	t.Payload = payload
	return nil
}

func decodePayload(kind Kind, data json.RawMessage) (Payload, error) {
	switch kind {
	case KindIssue:
		var p IssuePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindComment:
		var p CommentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindPRReview:
		var p PRPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindCustom:
		var p CustomPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("queue: unknown task kind %q", kind)
	}
}
