package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"casegraph/internal/pipeline"
	"casegraph/internal/services"
)

// RetryMetadata travels with re-enqueued copies of a message.
type RetryMetadata struct {
	RetryCount int `json:"retry_count"`
	// RetryAt is the RFC 3339 release time; empty once the sweeper releases it.
	RetryAt string `json:"retry_at,omitempty"`
}

// Message is the queue envelope. It is treated as immutable: helpers return
// modified copies.
type Message struct {
	JobID         string            `json:"job_id"`
	ArtifactID    string            `json:"artifact_id"`
	ArtifactRef   string            `json:"artifact_ref,omitempty"`
	Class         pipeline.Class    `json:"class"`
	Action        string            `json:"action"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RetryMetadata *RetryMetadata    `json:"retry_metadata,omitempty"`
	OriginalQueue string            `json:"original_queue,omitempty"`
}

// NewMessage builds a first-delivery message for a class.
func NewMessage(jobID, artifactID, ref string, class pipeline.Class, metadata map[string]string) Message {
	return Message{
		JobID:       jobID,
		ArtifactID:  artifactID,
		ArtifactRef: ref,
		Class:       class,
		Action:      class.Action(),
		Metadata:    maps.Clone(metadata),
	}
}

// Key identifies the artifact a message concerns.
func (m Message) Key() Key {
	return Key{JobID: m.JobID, ArtifactID: m.ArtifactID}
}

// RetryCount returns the number of prior failed attempts.
func (m Message) RetryCount() int {
	if m.RetryMetadata == nil {
		return 0
	}
	return m.RetryMetadata.RetryCount
}

// RetryAt returns the scheduled release time, if any.
func (m Message) RetryAt() (time.Time, bool) {
	if m.RetryMetadata == nil || m.RetryMetadata.RetryAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, m.RetryMetadata.RetryAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Language returns the source language carried in metadata.
func (m Message) Language() string {
	return strings.TrimSpace(m.Metadata["language"])
}

// TargetQueue is the queue a retried or replayed copy must return to.
func (m Message) TargetQueue() string {
	if m.OriginalQueue != "" {
		return m.OriginalQueue
	}
	return m.Class.QueueName()
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	out.Metadata = maps.Clone(m.Metadata)
	if m.RetryMetadata != nil {
		rm := *m.RetryMetadata
		out.RetryMetadata = &rm
	}
	return out
}

// ScheduledRetry returns the copy placed on the retry schedule.
func (m Message) ScheduledRetry(count int, releaseAt time.Time, originalQueue string) Message {
	out := m.Clone()
	out.RetryMetadata = &RetryMetadata{RetryCount: count, RetryAt: releaseAt.UTC().Format(time.RFC3339Nano)}
	out.OriginalQueue = originalQueue
	return out
}

// Released strips scheduling metadata and keeps the retry count.
func (m Message) Released() Message {
	out := m.Clone()
	if out.RetryMetadata != nil {
		out.RetryMetadata.RetryAt = ""
	}
	return out
}

// Replayed resets the retry count for an administrative replay.
func (m Message) Replayed() Message {
	out := m.Clone()
	out.RetryMetadata = &RetryMetadata{RetryCount: 0}
	return out
}

// ForGraph returns the graph-stage message for the same artifact.
func (m Message) ForGraph() Message {
	return NewMessage(m.JobID, m.ArtifactID, m.ArtifactRef, pipeline.ClassGraph, m.Metadata)
}

const messageSchema = `{
  "type": "object",
  "required": ["job_id", "artifact_id", "class", "action"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "artifact_id": {"type": "string", "minLength": 1},
    "artifact_ref": {"type": "string"},
    "class": {"enum": ["document", "audio", "video", "cdr", "graph"]},
    "action": {"type": "string", "minLength": 1},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
    "retry_metadata": {
      "type": "object",
      "required": ["retry_count"],
      "properties": {
        "retry_count": {"type": "integer", "minimum": 0},
        "retry_at": {"type": "string"}
      }
    },
    "original_queue": {"type": "string"}
  }
}`

var compiledMessageSchema = jsonschema.MustCompileString("message.json", messageSchema)

// Encode validates and marshals a message.
func Encode(m Message) ([]byte, error) {
	if err := validateMessage(m); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode validates a payload against the wire schema and unmarshals it.
func Decode(data []byte) (Message, error) {
	raw, err := decodeAny(data)
	if err != nil {
		return Message{}, services.Wrap(services.ErrValidation, "", "decode message", "payload is not JSON", err)
	}
	if err := compiledMessageSchema.Validate(raw); err != nil {
		return Message{}, services.Wrap(services.ErrValidation, "", "decode message", "payload does not match schema", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, services.Wrap(services.ErrValidation, "", "decode message", "unmarshal payload", err)
	}
	if err := validateMessage(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// decodeAny decodes data for schema validation, keeping numbers exact.
func decodeAny(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func validateMessage(m Message) error {
	if m.JobID == "" || m.ArtifactID == "" {
		return services.Wrap(services.ErrValidation, "", "validate message", "job_id and artifact_id are required", nil)
	}
	if _, err := pipeline.ParseClass(string(m.Class)); err != nil {
		return err
	}
	if m.Action != m.Class.Action() {
		return services.Wrap(services.ErrValidation, "", "validate message",
			fmt.Sprintf("action %q does not match class %s", m.Action, m.Class), nil)
	}
	if m.RetryMetadata != nil && m.RetryMetadata.RetryAt != "" {
		if _, err := time.Parse(time.RFC3339, m.RetryMetadata.RetryAt); err != nil {
			return services.Wrap(services.ErrValidation, "", "validate message", "retry_at is not RFC 3339", err)
		}
	}
	return nil
}

// Key addresses a dead-letter record or a scheduled retry.
type Key struct {
	JobID      string
	ArtifactID string
}

// String renders the key as job/artifact.
func (k Key) String() string {
	return k.JobID + "/" + k.ArtifactID
}

// ParseKey parses "job/artifact".
func ParseKey(value string) (Key, error) {
	job, artifact, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok || job == "" || artifact == "" {
		return Key{}, services.Wrap(services.ErrValidation, "", "parse key", fmt.Sprintf("expected job/artifact, got %q", value), nil)
	}
	return Key{JobID: job, ArtifactID: artifact}, nil
}
