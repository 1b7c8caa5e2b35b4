// Package dclocator chooses which domain controller the pipeline talks to
// and watches the running pipeline for faults. Selection order: preferred
// server (config, then the sidecar file recording the last good DC), a DC in
// the local site per the subnet map, then any DC found through DNS.
package dclocator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"f0oster/admirror/activedirectory/ldaphelpers"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-ldap/ldap/v3"
)

// ErrNoDomainController means every candidate failed its availability probe.
var ErrNoDomainController = fmt.Errorf("no domain controller available")

type Config struct {
	Domain          string
	PreferredServer string
	Username        string
	Password        string
	SidecarPath     string
	ProbeTimeout    time.Duration
	BackoffMin      time.Duration
	BackoffMax      time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = 2 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

type Locator struct {
	cfg Config
	log *slog.Logger
}

// Result is one available DC together with what its bootstrap probe learned.
type Result struct {
	Host     string
	BaseDN   string
	FlatName string
}

func NewLocator(cfg Config, log *slog.Logger) *Locator {
	cfg.applyDefaults()
	return &Locator{cfg: cfg, log: log}
}

// Dial connects and binds to one DC.
func (l *Locator) Dial(host string) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(
		fmt.Sprintf("ldap://%s:389", host),
		ldap.DialWithDialer(&net.Dialer{Timeout: l.cfg.ProbeTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server %s: %w", host, err)
	}
	if l.cfg.Username != "" {
		if err := conn.Bind(l.cfg.Username, l.cfg.Password); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind to LDAP server %s: %w", host, err)
		}
	}
	return conn, nil
}

// Probe checks availability: the DC must answer the lightweight bootstrap
// query (the domain's flat NetBIOS name) within the probe timeout.
func (l *Locator) Probe(host string) (*Result, error) {
	conn, err := l.Dial(host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetTimeout(l.cfg.ProbeTimeout)

	baseDN, configNC, err := readRootDSE(conn)
	if err != nil {
		return nil, fmt.Errorf("probe of %s: %w", host, err)
	}
	flat, err := readFlatName(conn, baseDN, configNC)
	if err != nil {
		return nil, fmt.Errorf("probe of %s: %w", host, err)
	}
	return &Result{Host: host, BaseDN: baseDN, FlatName: flat}, nil
}

// Locate walks the candidate order and returns the first DC that passes the
// probe, remembering it in the sidecar file. Hosts in exclude are skipped;
// the watchdog passes the DC that just faulted.
func (l *Locator) Locate(ctx context.Context, exclude map[string]bool) (*Result, error) {
	tried := make(map[string]bool)
	try := func(host string) *Result {
		host = strings.TrimSpace(host)
		if host == "" || tried[host] || exclude[host] {
			return nil
		}
		tried[host] = true
		res, err := l.Probe(host)
		if err != nil {
			l.log.Warn("domain controller probe failed", "host", host, "err", err)
			return nil
		}
		return res
	}

	// 1. preferred: configuration first, then the last-used sidecar.
	if res := try(l.cfg.PreferredServer); res != nil {
		return l.remember(res), nil
	}
	if side := l.readSidecar(); side != "" {
		if res := try(side); res != nil {
			return l.remember(res), nil
		}
	}

	dnsHosts, err := lookupDCHosts(ctx, l.cfg.Domain)
	if err != nil {
		l.log.Warn("DNS lookup of domain controllers failed", "domain", l.cfg.Domain, "err", err)
	}

	// 2. a DC in the local site, resolved via the subnet map loaded from the
	// configuration partition of any reachable DC.
	for _, host := range l.siteCandidates(dnsHosts) {
		if res := try(host); res != nil {
			return l.remember(res), nil
		}
	}

	// 3. anything DNS returned.
	for _, host := range dnsHosts {
		if res := try(host); res != nil {
			return l.remember(res), nil
		}
	}

	return nil, ErrNoDomainController
}

// LocateWithBackoff retries Locate with doubling delays between the
// configured bounds until a DC is found or the context ends.
func (l *Locator) LocateWithBackoff(ctx context.Context, exclude map[string]bool) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.BackoffMin
	policy.MaxInterval = l.cfg.BackoffMax
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0

	var res *Result
	op := func() error {
		var err error
		res, err = l.Locate(ctx, exclude)
		return err
	}
	notify := func(err error, next time.Duration) {
		l.log.Warn("domain controller selection failed, retrying", "err", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return res, nil
}

// siteCandidates resolves the machine's local site and returns its DCs.
func (l *Locator) siteCandidates(dnsHosts []string) []string {
	localIP, err := LocalIPv4()
	if err != nil {
		l.log.Warn("could not determine local IPv4 address", "err", err)
		return nil
	}
	for _, host := range dnsHosts {
		conn, err := l.Dial(host)
		if err != nil {
			continue
		}
		sm, err := LoadSiteMap(conn)
		conn.Close()
		if err != nil {
			l.log.Warn("site map bootstrap failed", "host", host, "err", err)
			continue
		}
		site, ok := sm.SiteForIP(localIP)
		if !ok {
			l.log.Info("local address matches no subnet, skipping site preference", "ip", localIP.String())
			return nil
		}
		dcs := sm.DCsInSite(site)
		l.log.Info("resolved local site", "ip", localIP.String(), "site", site, "dcs", len(dcs))
		return dcs
	}
	return nil
}

func (l *Locator) remember(res *Result) *Result {
	if l.cfg.SidecarPath != "" {
		if err := os.WriteFile(l.cfg.SidecarPath, []byte(res.Host+"\n"), 0o644); err != nil {
			l.log.Warn("could not persist preferred DC sidecar", "path", l.cfg.SidecarPath, "err", err)
		}
	}
	l.log.Info("selected domain controller", "host", res.Host, "flat_name", res.FlatName)
	return res
}

func (l *Locator) readSidecar() string {
	if l.cfg.SidecarPath == "" {
		return ""
	}
	b, err := os.ReadFile(l.cfg.SidecarPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// lookupDCHosts resolves the domain's DCs via the _ldap._tcp SRV record,
// falling back to the domain's own A records.
func lookupDCHosts(ctx context.Context, domain string) ([]string, error) {
	_, srvs, err := net.DefaultResolver.LookupSRV(ctx, "ldap", "tcp", domain)
	if err == nil && len(srvs) > 0 {
		hosts := make([]string, 0, len(srvs))
		for _, srv := range srvs {
			hosts = append(hosts, strings.TrimSuffix(srv.Target, "."))
		}
		return hosts, nil
	}
	addrs, aerr := net.DefaultResolver.LookupHost(ctx, domain)
	if aerr != nil {
		if err != nil {
			return nil, fmt.Errorf("SRV lookup failed (%v); host lookup failed: %w", err, aerr)
		}
		return nil, aerr
	}
	return addrs, nil
}

// readRootDSE fetches the naming contexts the probe and site map need.
func readRootDSE(conn *ldap.Conn) (baseDN, configNC string, err error) {
	req := ldap.NewSearchRequest(
		"", // Root DSE
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0, 0, false,
		ldaphelpers.AllObjects,
		[]string{"defaultNamingContext", "configurationNamingContext"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return "", "", fmt.Errorf("Root DSE read failed: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", "", fmt.Errorf("Root DSE returned no entries")
	}
	baseDN = res.Entries[0].GetAttributeValue("defaultNamingContext")
	configNC = res.Entries[0].GetAttributeValue("configurationNamingContext")
	if configNC == "" {
		configNC = "CN=Configuration," + baseDN
	}
	return baseDN, configNC, nil
}

// readFlatName resolves the domain's NetBIOS name from the Partitions
// container cross-reference.
func readFlatName(conn *ldap.Conn, baseDN, configNC string) (string, error) {
	filter := ldaphelpers.AllOf(
		ldaphelpers.Eq("objectClass", "crossRef"),
		ldaphelpers.Eq("nCName", baseDN),
	)
	req := ldap.NewSearchRequest(
		"CN=Partitions,"+configNC,
		ldap.ScopeSingleLevel,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		[]string{"nETBIOSName"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("flat-name bootstrap query failed: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", fmt.Errorf("no crossRef for naming context %s", baseDN)
	}
	return res.Entries[0].GetAttributeValue("nETBIOSName"), nil
}
