package activedirectory

// DefaultAttributes is the attribute set requested from the directory.
// Ingestion tolerates any of these being absent on a given object.
var DefaultAttributes = []string{
	"objectClass",
	"userPrincipalName",
	"servicePrincipalName",
	"objectGUID",
	"objectSid",
	"sIDHistory",
	"sAMAccountName",
	"sAMAccountType",
	"flatName",
	"userAccountControl",
	"groupType",
	"pwdLastSet",
	"lastLogonTimestamp",
	"logonCount",
	"accountExpires",
	"msDS-AllowedToDelegateTo",
	"telephoneNumber",
	"facsimileTelephoneNumber",
	"mobile",
	"mail",
	"proxyAddresses",
	"targetAddress",
	"msExchMailboxGuid",
	"msExchHideFromAddressLists",
	"msRTCSIP-PrimaryUserAddress",
	"msRTCSIP-UserEnabled",
	"co",
	"l",
	"st",
	"streetAddress",
	"postalCode",
	"company",
	"department",
	"physicalDeliveryOfficeName",
	"displayName",
	"title",
	"givenName",
	"sn",
	"name",
	"personalTitle",
	"thumbnailPhoto",
	"employeeType",
	"employeeID",
	"manager",
	"member",
	"userWorkstations",
	"description",
	"whenCreated",
	"primaryGroupToken",
	"primaryGroupID",
}

// binaryAttributes never carry valid UTF-8 and are kept in the binary tail.
var binaryAttributes = map[string]bool{
	"objectguid":        true,
	"objectsid":         true,
	"sidhistory":        true,
	"msexchmailboxguid": true,
	"thumbnailphoto":    true,
}

// IsBinaryAttribute reports whether the named attribute carries raw bytes.
func IsBinaryAttribute(name string) bool {
	return binaryAttributes[normalizeAttrName(name)]
}
