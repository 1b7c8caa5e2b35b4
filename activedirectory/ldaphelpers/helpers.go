package ldaphelpers

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// LDAP_SERVER_NOTIFICATION_OID. Attaching it to a search turns the operation
// into an open-ended change-notification stream.
const NotificationOID = "1.2.840.113556.1.4.528"

// CreateNotificationControl builds the change-notification extended control.
func CreateNotificationControl() ldap.Control {
	return ldap.NewControlString(NotificationOID, true, "")
}

// The mirror issues only two filter shapes: single equality matches against
// the configuration partition (crossRef, subnet, server bootstraps) and a
// conjunction of those. Values are escaped, since naming-context DNs flow in
// as match values.

// Eq renders one equality assertion, escaping the value.
func Eq(attr, value string) string {
	return "(" + attr + "=" + ldap.EscapeFilter(value) + ")"
}

// AllOf renders the conjunction of already-rendered filter terms.
func AllOf(terms ...string) string {
	return "(&" + strings.Join(terms, "") + ")"
}
