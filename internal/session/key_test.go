package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		reportID  string
		tenantID  string
		userEmail string
		want      string
		tier      Tier
	}{
		{"full isolation", "s1", "", "T1", "a@x.com", "tenant:T1:user:a@x.com:s1", TierTenantUserScoped},
		{"tenant only", "s1", "", "T1", "", "tenant:T1:s1", TierTenantScoped},
		{"global", "s1", "", "", "", "global:s1", TierGlobal},
		{"user without tenant is global", "s1", "", "", "a@x.com", "global:s1", TierGlobal},
		{"synthesized from report", "", "R1", "T1", "a@x.com", "tenant:T1:user:a@x.com:kg_R1", TierTenantUserScoped},
		{"synthesized default", "", "", "", "", "global:kg_default", TierGlobal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := DeriveKey(tt.sessionID, tt.reportID, ReportTypeKG, tt.tenantID, tt.userEmail)
			assert.Equal(t, tt.want, k.String())
			assert.Equal(t, tt.tier, k.Tier)
		})
	}
}

func TestKey_EscapesSeparators(t *testing.T) {
	// Without escaping these two would both render as tenant:a:b:c.
	a := DeriveKey("c", "", ReportTypeKG, "a:b", "")
	b := DeriveKey("b:c", "", ReportTypeKG, "a", "")
	assert.NotEqual(t, a.String(), b.String())

	evil := DeriveKey("s", "", ReportTypeKG, "T1:user:x", "y")
	assert.NotContains(t, evil.String()[len("tenant:"):], "T1:")
}

func TestParseKey_RoundTrip(t *testing.T) {
	keys := []Key{
		DeriveKey("s%1", "", ReportTypeKD, "T:1", "a@x.com"),
		DeriveKey("s:2", "", ReportTypeKG, "T2", ""),
		DeriveKey("", "R%3A", ReportTypeKD, "", ""),
	}
	for _, k := range keys {
		got, err := ParseKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKey("tenant:only")
	assert.Error(t, err)
}

func TestTenantPrefix(t *testing.T) {
	full := DeriveKey("s", "", ReportTypeKG, "T1", "u").String()
	legacy := DeriveKey("s", "", ReportTypeKG, "T1", "").String()
	other := DeriveKey("s", "", ReportTypeKG, "T10", "u").String()

	assert.True(t, strings.HasPrefix(full, TenantPrefix("T1")))
	assert.True(t, strings.HasPrefix(legacy, TenantPrefix("T1")))
	assert.False(t, strings.HasPrefix(other, TenantPrefix("T1")))
}

func TestRecentHistory(t *testing.T) {
	s := &ReportSession{}
	for i := 0; i < 5; i++ {
		s.Messages = append(s.Messages,
			Message{Role: RoleUser, Content: string(rune('a' + i))},
			Message{Role: RoleAssistant, Content: string(rune('A' + i))},
		)
	}
	s.Messages = append(s.Messages, Message{Role: "system", Content: "ignored"})

	h := s.RecentHistory(6)
	require.Len(t, h, 6)
	assert.Equal(t, "c", h[0].Content)
	assert.Equal(t, "E", h[5].Content)

	assert.Nil(t, s.RecentHistory(0))
	assert.Len(t, (&ReportSession{}).RecentHistory(6), 0)
}

func TestParseReportType(t *testing.T) {
	rt, err := ParseReportType("")
	require.NoError(t, err)
	assert.Equal(t, ReportTypeKG, rt)

	rt, err = ParseReportType("kd")
	require.NoError(t, err)
	assert.Equal(t, ReportTypeKD, rt)

	_, err = ParseReportType("xx")
	assert.Error(t, err)
}
