package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/courier/internal/jsoncodec"
)

// Status is the worker-reported outcome carried by result and progress messages.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Route names where a task kind is published: its durable queue and the
// routing key (task.<domain>.<verb>) that binds the queue to the exchange.
type Route struct {
	Queue      string
	RoutingKey string
}

// Message is a unit of work handed to an external worker.
// It is published once and never retained by courier.
type Message struct {
	TaskID    string          `json:"task_id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_ts"`
}

// Result is a worker's reply describing task completion or failure.
type Result struct {
	TaskID       string          `json:"task_id"`
	UserID       string          `json:"user_id"`
	RequestID    string          `json:"request_id,omitempty"`
	Status       Status          `json:"status"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// Progress is an intermediate status update for a long-running task.
type Progress struct {
	TaskID     string  `json:"task_id"`
	UserID     string  `json:"user_id"`
	RequestID  string  `json:"request_id"`
	Progress   float64 `json:"progress"`
	TotalAds   int     `json:"total_ads"`
	CurrentAds int     `json:"current_ads"`
	Status     Status  `json:"status"`
	Message    string  `json:"message"`
	Timestamp  string  `json:"timestamp"`
}

// Envelope holds the correlation fields of a broker body.
type Envelope struct {
	UserID    string
	TaskID    string
	RequestID string
}

var (
	userIDKeys    = []string{"user_id", "userId", "UserID"}
	taskIDKeys    = []string{"task_id", "taskId", "TASK_ID"}
	requestIDKeys = []string{"request_id", "requestId"}
)

// GenerateID returns a new random task identifier.
func GenerateID() string {
	return uuid.NewString()
}

// NewMessage builds a task message stamped with a fresh ID and the current time.
func NewMessage(userID string, payload json.RawMessage) *Message {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return &Message{
		TaskID:    GenerateID(),
		UserID:    userID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Encode serializes the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := jsoncodec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding task %s: %w", m.TaskID, err)
	}
	return data, nil
}

// IsTerminal reports whether the status ends a task.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCompleted
}

// DecodeEnvelope extracts correlation fields from a JSON object body.
// Missing fields are left empty; only a body that is not a JSON object fails.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var fields map[string]any
	if err := jsoncodec.Unmarshal(body, &fields); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("decoding envelope: body is not a JSON object")
	}
	return Envelope{
		UserID:    firstString(fields, userIDKeys),
		TaskID:    firstString(fields, taskIDKeys),
		RequestID: firstString(fields, requestIDKeys),
	}, nil
}

// DecodeResult parses a result body.
func DecodeResult(body []byte) (*Result, error) {
	var r Result
	if err := jsoncodec.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &r, nil
}

// DecodeProgress parses a progress body.
func DecodeProgress(body []byte) (*Progress, error) {
	var p Progress
	if err := jsoncodec.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	return &p, nil
}

func firstString(fields map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
