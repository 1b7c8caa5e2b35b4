package pipeline

import (
	"context"
	"fmt"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/activedirectory/ldaphelpers"

	"github.com/go-ldap/ldap/v3"
)

// runBulkLoad performs the full paged enumeration of the tree. The next
// page is requested only after every record of the previous page has been
// enqueued, so the server-side cookie never runs ahead of the store.
func (p *Pipeline) runBulkLoad(ctx context.Context, conn Conn) {
	defer close(p.bulkQ)

	p.st.MarkAllAsDetecting()
	p.log.Info("bulk load starting", "base_dn", p.cfg.BaseDN, "page_size", p.cfg.PageSize)

	pageControl := ldap.NewControlPaging(p.cfg.PageSize)
	req := ldap.NewSearchRequest(
		p.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		ldaphelpers.AllObjects,
		p.cfg.Attributes,
		[]ldap.Control{pageControl},
	)

	pages := 0
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := conn.Search(req)
		if err != nil {
			p.bulkFault.set(fmt.Errorf("bulk-load search failed: %w", err))
			return
		}
		pages++

		for _, entry := range res.Entries {
			if err := ldaphelpers.CompleteRangedAttributes(conn, entry); err != nil {
				p.bulkFault.set(fmt.Errorf("bulk-load ranged retrieval failed: %w", err))
				return
			}
			rec := activedirectory.RecordFromEntry(entry)
			select {
			case p.bulkQ <- rec:
			case <-ctx.Done():
				return
			}
		}

		paging := ldap.FindControl(res.Controls, ldap.ControlTypePaging)
		if paging == nil {
			break
		}
		cookie := paging.(*ldap.ControlPaging).Cookie
		if len(cookie) == 0 {
			break
		}
		pageControl.SetCookie(cookie)
	}

	p.log.Info("bulk load enumeration finished", "pages", pages)
	p.bulkOK.Store(true)
}
