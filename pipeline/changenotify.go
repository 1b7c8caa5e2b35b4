package pipeline

import (
	"context"
	"fmt"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/activedirectory/ldaphelpers"

	"github.com/go-ldap/ldap/v3"
)

// runChangeNotify holds a persistent notification search open against the
// DC. The server streams every modified object as a fresh entry for as long
// as the search lives; there is no paging and no natural end.
func (p *Pipeline) runChangeNotify(ctx context.Context, conn Conn) {
	defer close(p.notifyQ)

	req := ldap.NewSearchRequest(
		p.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		ldaphelpers.AllObjects,
		p.cfg.Attributes,
		[]ldap.Control{ldaphelpers.CreateNotificationControl()},
	)

	p.log.Info("change-notification stream starting", "base_dn", p.cfg.BaseDN)
	res := conn.SearchAsync(ctx, req, int(p.cfg.PageSize))
	for res.Next() {
		entry := res.Entry()
		if entry == nil {
			continue
		}
		if err := ldaphelpers.CompleteRangedAttributes(conn, entry); err != nil {
			p.notifyFault.set(fmt.Errorf("change-notify ranged retrieval failed: %w", err))
			return
		}
		rec := activedirectory.RecordFromEntry(entry)
		select {
		case p.notifyQ <- rec:
		case <-ctx.Done():
			return
		}
	}
	if err := res.Err(); err != nil && ctx.Err() == nil {
		p.notifyFault.set(fmt.Errorf("change-notify stream failed: %w", err))
	}
}
