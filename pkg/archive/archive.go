// Package archive snapshots dead-letter messages before they are purged.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nimburion/redrive/pkg/queue"
)

// Record is one archived message. Receipt handles are transient and not kept.
type Record struct {
	ID               string                     `json:"id"`
	Body             string                     `json:"body"`
	Attributes       map[string]queue.Attribute `json:"attributes,omitempty"`
	SystemAttributes map[string]string          `json:"system_attributes,omitempty"`
}

// Snapshot is the archived content of a queue at one point in time.
type Snapshot struct {
	Queue    string    `json:"queue"`
	RunID    string    `json:"run_id,omitempty"`
	TakenAt  time.Time `json:"taken_at"`
	Count    int       `json:"count"`
	Messages []Record  `json:"messages"`
}

// Sink stores snapshots and returns where each one was written.
type Sink interface {
	Write(ctx context.Context, snapshot Snapshot) (string, error)
}

// NewSnapshot builds a snapshot of msgs taken from ref.
func NewSnapshot(ref queue.Ref, runID string, takenAt time.Time, msgs []queue.Message) Snapshot {
	records := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, Record{
			ID:               m.ID,
			Body:             m.Body,
			Attributes:       m.Attributes,
			SystemAttributes: m.SystemAttributes,
		})
	}
	return Snapshot{
		Queue:    ref.String(),
		RunID:    runID,
		TakenAt:  takenAt.UTC(),
		Count:    len(records),
		Messages: records,
	}
}

// Encode renders the snapshot as indented JSON.
func (s Snapshot) Encode() ([]byte, error) {
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return payload, nil
}

// ObjectName returns the relative name a snapshot is stored under:
// <queue name>/<timestamp>[-<run id>].json
func ObjectName(s Snapshot) string {
	name := s.TakenAt.UTC().Format("20060102T150405Z")
	if s.RunID != "" {
		name += "-" + s.RunID
	}
	return queueName(s.Queue) + "/" + name + ".json"
}

// queueName reduces a queue URL to its last path segment.
func queueName(ref string) string {
	ref = strings.TrimRight(strings.TrimSpace(ref), "/")
	if ref == "" {
		return "unknown"
	}
	base := path.Base(ref)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, base)
}
