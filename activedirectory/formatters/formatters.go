package formatters

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConvertSIDToString renders a binary security identifier in its
// "S-1-5-21-..." string form. The wire layout is a revision byte, a
// sub-authority count byte, a 48-bit big-endian identifier authority, then
// count little-endian 32-bit sub-authorities.
func ConvertSIDToString(raw []byte) (string, error) {
	if len(raw) < 8 {
		return "", fmt.Errorf("SID too short: %d bytes", len(raw))
	}
	revision := raw[0]
	count := int(raw[1])
	if len(raw) < 8+4*count {
		return "", fmt.Errorf("SID claims %d sub-authorities but carries only %d bytes", count, len(raw))
	}

	var authority uint64
	for _, b := range raw[2:8] {
		authority = authority<<8 | uint64(b)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "S-%d-%d", revision, authority)
	for i := 0; i < count; i++ {
		fmt.Fprintf(&sb, "-%d", binary.LittleEndian.Uint32(raw[8+4*i:]))
	}
	return sb.String(), nil
}

// SIDRid returns the trailing sub-authority (the RID) of a string SID.
func SIDRid(sid string) (int64, error) {
	i := strings.LastIndexByte(sid, '-')
	if i < 0 || i == len(sid)-1 {
		return 0, fmt.Errorf("invalid SID string %q", sid)
	}
	var rid int64
	if _, err := fmt.Sscanf(sid[i+1:], "%d", &rid); err != nil {
		return 0, fmt.Errorf("invalid SID RID in %q: %w", sid, err)
	}
	return rid, nil
}

// ADGuidToUUID converts an Active Directory GUID (little-endian mixed format)
// into an RFC4122-compliant uuid.UUID.
func ADGuidToUUID(adGuid []byte) (uuid.UUID, error) {
	if len(adGuid) != 16 {
		return uuid.UUID{}, fmt.Errorf("invalid GUID: expected 16 bytes, got %d", len(adGuid))
	}

	rfcBytes := make([]byte, 16)
	copy(rfcBytes, adGuid)

	rfcBytes[0], rfcBytes[1], rfcBytes[2], rfcBytes[3] = rfcBytes[3], rfcBytes[2], rfcBytes[1], rfcBytes[0]
	rfcBytes[4], rfcBytes[5] = rfcBytes[5], rfcBytes[4]
	rfcBytes[6], rfcBytes[7] = rfcBytes[7], rfcBytes[6]

	u, err := uuid.FromBytes(rfcBytes)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid UUID generated from AD GUID: %w", err)
	}
	return u, nil
}

const (
	filetimeEpochOffset = 116444736000000000
	filetimeNever       = int64(9223372036854775807)
)

// FromFileTime converts a directory FILETIME integer (100ns ticks since
// 1601-01-01) to UTC. Zero and the "never" sentinel map to the zero time.
func FromFileTime(ftVal int64) time.Time {
	if ftVal == 0 || ftVal == filetimeNever {
		return time.Time{}
	}
	nsSinceUnix := (ftVal - filetimeEpochOffset) * 100
	return time.Unix(0, nsSinceUnix).UTC()
}

// ToFileTime is the inverse of FromFileTime; the zero time maps to 0.
func ToFileTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()/100 + filetimeEpochOffset
}

const generalizedTimeLayout = "20060102150405.0Z"

// ParseGeneralizedTime parses an LDAP Generalized-Time value (whenCreated).
func ParseGeneralizedTime(s string) (time.Time, error) {
	t, err := time.Parse(generalizedTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse LDAP time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatGeneralizedTime renders t in the directory's Generalized-Time form.
func FormatGeneralizedTime(t time.Time) string {
	return t.UTC().Format(generalizedTimeLayout)
}
