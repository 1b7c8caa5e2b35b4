package activedirectory

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"f0oster/admirror/activedirectory/formatters"

	"github.com/google/uuid"
)

// coreAttributes are mapped onto first-class Entity fields; everything else
// lands in the schema-agnostic attribute tail.
var coreAttributes = map[string]bool{
	"objectclass":                 true,
	"objectguid":                  true,
	"objectsid":                   true,
	"sidhistory":                  true,
	"samaccountname":              true,
	"samaccounttype":              true,
	"userprincipalname":           true,
	"flatname":                    true,
	"useraccountcontrol":          true,
	"grouptype":                   true,
	"pwdlastset":                  true,
	"lastlogontimestamp":          true,
	"logoncount":                  true,
	"accountexpires":              true,
	"whencreated":                 true,
	"mail":                        true,
	"proxyaddresses":              true,
	"targetaddress":               true,
	"msexchmailboxguid":           true,
	"msexchhidefromaddresslists":  true,
	"msrtcsip-primaryuseraddress": true,
	"manager":                     true,
	"member":                      true,
	"primarygroupid":              true,
	"primarygrouptoken":           true,
}

// Parser converts raw feed records into entity candidates. The candidate has
// no tag and no resolved links; the store assigns both.
type Parser struct {
	log *slog.Logger
}

func NewParser(log *slog.Logger) *Parser {
	return &Parser{log: log}
}

// ParseRecord builds an Entity candidate from a raw record. A missing or
// empty objectGUID yields ErrNoObjectGUID; such records are dropped by the
// store without counting as defects. A malformed objectGUID yields an
// ordinary parse error, which the store defect-logs.
func (p *Parser) ParseRecord(rec *Record) (*Entity, error) {
	e := NewEntity()
	e.DN = rec.DN

	guidBytes := rec.FirstBytes("objectGUID")
	if len(guidBytes) == 0 {
		return nil, ErrNoObjectGUID
	}
	guid, err := formatters.ADGuidToUUID(guidBytes)
	if err != nil {
		return nil, fmt.Errorf("objectGUID for %s: %w", rec.DN, err)
	}
	e.ObjectGUID = guid

	e.Class = strings.Join(rec.Values("objectClass"), ".")

	if sidBytes := rec.FirstBytes("objectSid"); len(sidBytes) > 0 {
		sid, err := formatters.ConvertSIDToString(sidBytes)
		if err != nil {
			return nil, fmt.Errorf("objectSid for %s: %w", rec.DN, err)
		}
		e.SID = sid
	}
	for _, histBytes := range rec.Bytes("sIDHistory") {
		sid, err := formatters.ConvertSIDToString(histBytes)
		if err != nil {
			p.log.Warn("skipping malformed sIDHistory value", "dn", rec.DN, "err", err)
			continue
		}
		e.SIDHistory = append(e.SIDHistory, sid)
	}

	e.SAMAccountName = rec.First("sAMAccountName")
	e.UserPrincipalName = rec.First("userPrincipalName")
	e.DomainFlatName = rec.First("flatName")

	e.SAMAccountType = p.optionalInt(rec, "sAMAccountType")
	e.UserAccountControl = p.optionalInt(rec, "userAccountControl")
	e.GroupType = p.optionalInt(rec, "groupType")
	e.LogonCount = p.optionalInt(rec, "logonCount")

	e.PasswordLastSet = p.fileTime(rec, "pwdLastSet")
	e.LastLogonTimestamp = p.fileTime(rec, "lastLogonTimestamp")
	e.AccountExpires = p.fileTime(rec, "accountExpires")

	if v := rec.First("whenCreated"); v != "" {
		t, err := formatters.ParseGeneralizedTime(v)
		if err != nil {
			p.log.Warn("unparseable whenCreated", "dn", rec.DN, "value", v, "err", err)
		} else {
			e.WhenCreated = t
		}
	}

	e.Email = rec.First("mail")
	for _, proxy := range rec.Values("proxyAddresses") {
		if addr, ok := stripAddressPrefix(proxy); ok {
			e.EmailAliases = append(e.EmailAliases, addr)
		}
	}
	if target, ok := stripAddressPrefix(rec.First("targetAddress")); ok {
		e.TargetEmail = target
	}

	if mbxBytes := rec.FirstBytes("msExchMailboxGuid"); len(mbxBytes) == 16 {
		if mbx, err := uuid.FromBytes(mbxBytes); err == nil {
			e.MailboxGUID = mbx
		}
	}
	e.HideFromAddressBook = strings.EqualFold(rec.First("msExchHideFromAddressLists"), "TRUE")
	e.SIPAddress = rec.First("msRTCSIP-PrimaryUserAddress")

	if v := p.optionalInt(rec, "primaryGroupID"); v != Unset {
		e.PrimaryGroupID = v
	}
	if v := p.optionalInt(rec, "primaryGroupToken"); v != Unset {
		e.PrimaryGroupToken = v
	}

	e.ManagerDN = rec.First("manager")
	e.DeferredMemberDNs = append(e.DeferredMemberDNs, rec.Values("member")...)

	p.captureTail(rec, e)

	return e, nil
}

// captureTail stores every non-core attribute in the schema-agnostic tail.
func (p *Parser) captureTail(rec *Record, e *Entity) {
	for name, values := range rec.Attributes {
		key := normalizeAttrName(name)
		if coreAttributes[key] {
			continue
		}
		if IsBinaryAttribute(name) {
			continue
		}
		if e.OtherAttributesText == nil {
			e.OtherAttributesText = make(map[string][]string)
		}
		e.OtherAttributesText[name] = append([]string(nil), values...)
	}
	for name, values := range rec.ByteValues {
		key := normalizeAttrName(name)
		if coreAttributes[key] || !IsBinaryAttribute(name) {
			continue
		}
		if e.OtherAttributesBinary == nil {
			e.OtherAttributesBinary = make(map[string][][]byte)
		}
		copied := make([][]byte, len(values))
		for i, v := range values {
			copied[i] = append([]byte(nil), v...)
		}
		e.OtherAttributesBinary[name] = copied
	}
}

func (p *Parser) optionalInt(rec *Record, name string) int64 {
	v := rec.First(name)
	if v == "" {
		return Unset
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.log.Warn("unparseable integer attribute", "dn", rec.DN, "attribute", name, "value", v)
		return Unset
	}
	return n
}

func (p *Parser) fileTime(rec *Record, name string) time.Time {
	v := rec.First(name)
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.log.Warn("unparseable FILETIME attribute", "dn", rec.DN, "attribute", name, "value", v)
		return time.Time{}
	}
	return formatters.FromFileTime(n)
}

// stripAddressPrefix unwraps "smtp:user@host" style proxy addresses. Only
// SMTP addresses participate in the email index.
func stripAddressPrefix(addr string) (string, bool) {
	if addr == "" {
		return "", false
	}
	i := strings.IndexByte(addr, ':')
	if i < 0 {
		return addr, true
	}
	if strings.EqualFold(addr[:i], "smtp") {
		return addr[i+1:], true
	}
	return "", false
}
