package domain

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("%w: severity %q", ErrInvalidInput, raw)
	}
	return s, nil
}

type AlertRecord struct {
	ID          string         `json:"id"`
	RuleID      string         `json:"ruleId"`
	Severity    Severity       `json:"severity"`
	Subject     string         `json:"subject,omitempty"`
	Message     string         `json:"message"`
	Evidence    map[string]any `json:"evidence"`
	DedupKey    string         `json:"dedupKey"`
	FirstSeenAt time.Time      `json:"firstSeenAt"`
	Resolved    bool           `json:"resolved"`
	ResolvedBy  string         `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	ActionTaken string         `json:"actionTaken,omitempty"`
}

// SinkPayload is the JSON schema delivered to every notification sink
type SinkPayload struct {
	RuleID    string         `json:"ruleId"`
	Severity  Severity       `json:"severity"`
	Subject   string         `json:"subject,omitempty"`
	Message   string         `json:"message"`
	Evidence  map[string]any `json:"evidence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a *AlertRecord) SinkPayload() SinkPayload {
	return SinkPayload{
		RuleID:    a.RuleID,
		Severity:  a.Severity,
		Subject:   a.Subject,
		Message:   a.Message,
		Evidence:  a.Evidence,
		Timestamp: a.FirstSeenAt,
	}
}

// AlertCreated is published once per newly persisted AlertRecord
type AlertCreated struct {
	Record AlertRecord
}
