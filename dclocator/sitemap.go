package dclocator

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"f0oster/admirror/activedirectory/ldaphelpers"

	"github.com/go-ldap/ldap/v3"
)

// SiteMap is the subnet→site and site→DC knowledge loaded from the
// directory's configuration partition. It is only used to prefer a nearby
// DC; an empty or stale map degrades selection, never correctness.
type SiteMap struct {
	subnets []subnetEntry
	siteDCs map[string][]string
}

type subnetEntry struct {
	prefix netip.Prefix
	site   string
}

// LoadSiteMap bootstraps the subnet and server containers from whichever DC
// the connection points at.
func LoadSiteMap(conn *ldap.Conn) (*SiteMap, error) {
	_, configNC, err := readRootDSE(conn)
	if err != nil {
		return nil, err
	}

	sm := &SiteMap{siteDCs: make(map[string][]string)}

	subnetReq := ldap.NewSearchRequest(
		"CN=Subnets,CN=Sites,"+configNC,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		ldaphelpers.Eq("objectClass", "subnet"),
		[]string{"cn", "siteObject"},
		nil,
	)
	subnetRes, err := conn.Search(subnetReq)
	if err != nil {
		return nil, fmt.Errorf("subnet enumeration failed: %w", err)
	}
	for _, entry := range subnetRes.Entries {
		cn := entry.GetAttributeValue("cn")
		siteDN := entry.GetAttributeValue("siteObject")
		prefix, err := netip.ParsePrefix(cn)
		if err != nil {
			continue // malformed subnet names are skipped; IPv6 prefixes are kept but never match the IPv4 lookup
		}
		site := firstRDNValue(siteDN)
		if site == "" {
			continue
		}
		sm.subnets = append(sm.subnets, subnetEntry{prefix: prefix, site: site})
	}
	// longest prefix first, so the first match wins
	sort.Slice(sm.subnets, func(i, j int) bool {
		return sm.subnets[i].prefix.Bits() > sm.subnets[j].prefix.Bits()
	})

	serverReq := ldap.NewSearchRequest(
		"CN=Sites,"+configNC,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		ldaphelpers.Eq("objectClass", "server"),
		[]string{"dNSHostName"},
		nil,
	)
	serverRes, err := conn.Search(serverReq)
	if err != nil {
		return nil, fmt.Errorf("site server enumeration failed: %w", err)
	}
	for _, entry := range serverRes.Entries {
		host := entry.GetAttributeValue("dNSHostName")
		site := siteFromServerDN(entry.DN)
		if host == "" || site == "" {
			continue
		}
		sm.siteDCs[strings.ToLower(site)] = append(sm.siteDCs[strings.ToLower(site)], host)
	}

	return sm, nil
}

// SiteForIP returns the site owning the longest subnet prefix matching ip.
func (m *SiteMap) SiteForIP(ip netip.Addr) (string, bool) {
	for _, e := range m.subnets {
		if e.prefix.Contains(ip) {
			return e.site, true
		}
	}
	return "", false
}

// DCsInSite returns the DCs registered under the named site.
func (m *SiteMap) DCsInSite(site string) []string {
	return m.siteDCs[strings.ToLower(site)]
}

// LocalIPv4 returns the machine's first global unicast IPv4 address.
func LocalIPv4() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
			continue
		}
		a, ok := netip.AddrFromSlice(ip4)
		if !ok {
			continue
		}
		return a, nil
	}
	return netip.Addr{}, fmt.Errorf("no usable IPv4 address on any interface")
}

// firstRDNValue extracts the value of the leading RDN of a DN
// ("CN=Default-First-Site-Name,CN=Sites,..." → "Default-First-Site-Name").
func firstRDNValue(dn string) string {
	if dn == "" {
		return ""
	}
	head := dn
	if i := strings.IndexByte(dn, ','); i >= 0 {
		head = dn[:i]
	}
	if j := strings.IndexByte(head, '='); j >= 0 {
		return head[j+1:]
	}
	return ""
}

// siteFromServerDN walks a server DN of the form
// "CN=<server>,CN=Servers,CN=<site>,CN=Sites,..." to the site component.
func siteFromServerDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), "CN=Servers") && i+1 < len(parts) {
			next := strings.TrimSpace(parts[i+1])
			if j := strings.IndexByte(next, '='); j >= 0 {
				return next[j+1:]
			}
		}
	}
	return ""
}
