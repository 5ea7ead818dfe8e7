package session

import (
	"fmt"
	"time"
)

type ReportType string

const (
	ReportTypeKG ReportType = "kg" // knowledge gap
	ReportTypeKD ReportType = "kd" // key decision
)

func ParseReportType(s string) (ReportType, error) {
	switch t := ReportType(s); t {
	case "":
		return ReportTypeKG, nil
	case ReportTypeKG, ReportTypeKD:
		return t, nil
	}
	return "", fmt.Errorf("unknown report type %q", s)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ReportSession is the conversation state for one scoped key.
type ReportSession struct {
	SessionID       string         `json:"session_id"`
	ScopedSessionID string         `json:"scoped_session_id"`
	ReportID        string         `json:"report_id,omitempty"`
	ReportType      ReportType     `json:"report_type"`
	TenantID        string         `json:"tenant_id,omitempty"`
	UserEmail       string         `json:"user_email,omitempty"`
	IsolationLevel  Tier           `json:"isolation_level"`
	Messages        []Message      `json:"messages"`
	Context         map[string]any `json:"context"`
	CreatedAt       time.Time      `json:"created_at"`
	LastAccessed    time.Time      `json:"last_accessed"`
}

// Clone copies the message list and the top level of the context map.
func (s *ReportSession) Clone() *ReportSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	cp.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	return &cp
}

// RecentHistory returns at most n user or assistant messages, oldest first.
func (s *ReportSession) RecentHistory(n int) []Message {
	if n <= 0 {
		return nil
	}
	var conv []Message
	for _, m := range s.Messages {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			conv = append(conv, m)
		}
	}
	if len(conv) > n {
		conv = conv[len(conv)-n:]
	}
	return append([]Message(nil), conv...)
}

// Patch is a shallow overwrite: every non-nil field replaces the stored one.
type Patch struct {
	ReportID   *string
	ReportType *ReportType
	Messages   []Message
	Context    map[string]any
}

func (p Patch) apply(s *ReportSession) {
	if p.ReportID != nil {
		s.ReportID = *p.ReportID
	}
	if p.ReportType != nil {
		s.ReportType = *p.ReportType
	}
	if p.Messages != nil {
		s.Messages = append([]Message(nil), p.Messages...)
	}
	if p.Context != nil {
		s.Context = make(map[string]any, len(p.Context))
		for k, v := range p.Context {
			s.Context[k] = v
		}
	}
}
