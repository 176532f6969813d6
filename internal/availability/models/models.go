// Package models holds the availability engine's value types: check results,
// cache entries, progress counters and the event union streamed to listeners.
package models

import (
	"encoding/json"
	"strings"
	"time"

	dErrors "domainhunter/pkg/domain-errors"
)

// Status is the availability verdict for a domain.
type Status string

const (
	StatusAvailable Status = "available"
	StatusTaken     Status = "taken"
	StatusUnknown   Status = "unknown"
)

// Definitive reports whether the status is authoritative enough to persist.
func (s Status) Definitive() bool {
	return s == StatusAvailable || s == StatusTaken
}

// Source is the provenance of a result.
type Source string

const (
	SourceProtocol Source = "protocol"
	SourceCache    Source = "cache"
)

// Mode selects how much work a run does beyond the protocol lookup.
type Mode string

const (
	ModeProtocolOnly Mode = "protocol-only"
	ModeEnhanced     Mode = "enhanced"
)

// ParseMode accepts the wire value of a mode; empty means protocol-only.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case "", ModeProtocolOnly:
		return ModeProtocolOnly, nil
	case ModeEnhanced:
		return ModeEnhanced, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "mode must be protocol-only or enhanced")
	}
}

// Result is the outcome of checking one domain.
type Result struct {
	Domain         string          `json:"domain"`
	Status         Status          `json:"status"`
	Confidence     int             `json:"confidence"`
	Source         Source          `json:"source"`
	ResponseTimeMs int64           `json:"responseTimeMs"`
	RawPayload     json.RawMessage `json:"rawPayload,omitempty"`
	Error          string          `json:"error,omitempty"`

	// CheckedAt is when the answer was obtained; cache TTLs run from it.
	CheckedAt time.Time `json:"-"`
}

// Entry is a cached availability fact.
type Entry struct {
	Domain    string          `json:"domain"`
	Status    Status          `json:"status"`
	Source    Source          `json:"source"`
	CheckedAt time.Time       `json:"checkedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Expired reports whether the entry is stale at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Result converts a cache hit into a check result. Only definitive entries are
// authoritative; a negative-cache hit keeps confidence 0.
func (e *Entry) Result() Result {
	confidence := 0
	if e.Status.Definitive() {
		confidence = 1
	}
	return Result{
		Domain:     e.Domain,
		Status:     e.Status,
		Confidence: confidence,
		Source:     SourceCache,
		RawPayload: e.Data,
		CheckedAt:  e.CheckedAt,
	}
}

// Progress is a cumulative snapshot of a run.
type Progress struct {
	Total     int `json:"total"`
	Checked   int `json:"checked"`
	Available int `json:"available"`
	Taken     int `json:"taken"`
	Unknown   int `json:"unknown"`
}

// Record counts one result.
func (p *Progress) Record(status Status) {
	p.Checked++
	switch status {
	case StatusAvailable:
		p.Available++
	case StatusTaken:
		p.Taken++
	default:
		p.Unknown++
	}
}

// EventType discriminates Event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one element of a run's stream. Exactly one payload field is set,
// matching Type; done carries none.
type Event struct {
	Type     EventType
	Result   *Result
	Progress *Progress
	Err      string
}

// Payload returns the JSON body for the event's transport frame.
func (e Event) Payload() any {
	switch e.Type {
	case EventResult:
		return e.Result
	case EventProgress:
		return e.Progress
	case EventError:
		return map[string]string{"error": e.Err}
	default:
		return struct{}{}
	}
}

// NormalizeDomain lower-cases and trims a domain name.
func NormalizeDomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeDomains dedupes case-insensitively, preserving first-seen order and
// dropping names that are empty after normalization.
func NormalizeDomains(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		d := NormalizeDomain(v)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// TLD returns the label after the last dot, or "" when the name has no dot.
func TLD(domain string) string {
	i := strings.LastIndexByte(domain, '.')
	if i < 0 {
		return ""
	}
	return domain[i+1:]
}
