package session

import (
	"fmt"
	"strings"
)

// Tier is the isolation level a session key was derived under.
type Tier string

const (
	TierTenantUserScoped Tier = "tenant_user_scoped"
	// TierTenantScoped is shared by every user of a tenant; kept for legacy callers.
	TierTenantScoped Tier = "tenant_scoped"
	TierGlobal       Tier = "global"
)

const (
	tenantSegment = "tenant"
	userSegment   = "user"
	globalSegment = "global"

	GlobalPrefix = globalSegment + ":"
)

var (
	escaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	unescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

// Key identifies one session. String is the only way a Key becomes a store key.
type Key struct {
	Tier      Tier
	TenantID  string
	UserEmail string
	SessionID string
}

// DeriveKey applies the isolation precedence: tenant and user, then tenant
// only, then global. An empty sessionID is synthesized from the report.
func DeriveKey(sessionID, reportID string, reportType ReportType, tenantID, userEmail string) Key {
	if sessionID == "" {
		sessionID = SyntheticSessionID(reportType, reportID)
	}
	switch {
	case tenantID != "" && userEmail != "":
		return Key{Tier: TierTenantUserScoped, TenantID: tenantID, UserEmail: userEmail, SessionID: sessionID}
	case tenantID != "":
		return Key{Tier: TierTenantScoped, TenantID: tenantID, SessionID: sessionID}
	default:
		return Key{Tier: TierGlobal, SessionID: sessionID}
	}
}

// SyntheticSessionID is "{reportType}_{reportID}", with "default" for a
// missing report id.
func SyntheticSessionID(reportType ReportType, reportID string) string {
	if reportType == "" {
		reportType = ReportTypeKG
	}
	if reportID == "" {
		reportID = "default"
	}
	return string(reportType) + "_" + reportID
}

func (k Key) String() string {
	switch k.Tier {
	case TierTenantUserScoped:
		return strings.Join([]string{tenantSegment, escaper.Replace(k.TenantID), userSegment, escaper.Replace(k.UserEmail), escaper.Replace(k.SessionID)}, ":")
	case TierTenantScoped:
		return strings.Join([]string{tenantSegment, escaper.Replace(k.TenantID), escaper.Replace(k.SessionID)}, ":")
	default:
		return GlobalPrefix + escaper.Replace(k.SessionID)
	}
}

// TenantPrefix matches every key owned by tenantID, under either tenant tier.
func TenantPrefix(tenantID string) string {
	return tenantSegment + ":" + escaper.Replace(tenantID) + ":"
}

// ParseKey inverts Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 5 && parts[0] == tenantSegment && parts[2] == userSegment:
		return Key{
			Tier:      TierTenantUserScoped,
			TenantID:  unescaper.Replace(parts[1]),
			UserEmail: unescaper.Replace(parts[3]),
			SessionID: unescaper.Replace(parts[4]),
		}, nil
	case len(parts) == 3 && parts[0] == tenantSegment:
		return Key{Tier: TierTenantScoped, TenantID: unescaper.Replace(parts[1]), SessionID: unescaper.Replace(parts[2])}, nil
	case len(parts) == 2 && parts[0] == globalSegment:
		return Key{Tier: TierGlobal, SessionID: unescaper.Replace(parts[1])}, nil
	}
	return Key{}, fmt.Errorf("malformed session key %q", s)
}
