package ldaphelpers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Searcher is the subset of *ldap.Conn the range fetcher needs.
type Searcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

// CompleteRangedAttributes fetches the remaining chunks of every
// range-limited attribute on the entry ("member;range=0-1499") and appends
// them in place, so the entry carries the complete value list before it is
// handed to the store.
func CompleteRangedAttributes(conn Searcher, entry *ldap.Entry) error {
	// iterate only the original attributes; fetched chunks are appended
	// behind them and already complete their own continuation
	for i, n := 0, len(entry.Attributes); i < n; i++ {
		attr := entry.Attributes[i]
		bare, upper, ok := splitRange(attr.Name)
		if !ok || upper == "*" {
			continue
		}
		next, err := strconv.Atoi(upper)
		if err != nil {
			return fmt.Errorf("unparseable range bound in %q: %w", attr.Name, err)
		}
		if err := fetchRemainingChunks(conn, entry, bare, next+1); err != nil {
			return err
		}
	}
	return nil
}

// fetchRemainingChunks issues base-scope reads against the entry DN asking
// for "attr;range=N-*" until the server returns the terminal chunk.
func fetchRemainingChunks(conn Searcher, entry *ldap.Entry, attr string, from int) error {
	for {
		rangedAttr := fmt.Sprintf("%s;range=%d-*", attr, from)
		req := ldap.NewSearchRequest(
			entry.DN,
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			0, 0, false,
			AllObjects,
			[]string{rangedAttr},
			nil,
		)
		res, err := conn.Search(req)
		if err != nil {
			return fmt.Errorf("ranged fetch of %s for %s: %w", rangedAttr, entry.DN, err)
		}
		if len(res.Entries) == 0 {
			return nil
		}

		var chunk *ldap.EntryAttribute
		var upper string
		for _, got := range res.Entries[0].Attributes {
			bare, u, ok := splitRange(got.Name)
			if ok && strings.EqualFold(bare, attr) {
				chunk, upper = got, u
				break
			}
		}
		if chunk == nil {
			return nil
		}

		entry.Attributes = append(entry.Attributes, chunk)
		if upper == "*" {
			return nil
		}
		next, err := strconv.Atoi(upper)
		if err != nil {
			return fmt.Errorf("unparseable range bound in %q: %w", chunk.Name, err)
		}
		from = next + 1
	}
}

func splitRange(name string) (bare string, upper string, ok bool) {
	i := strings.Index(name, ";range=")
	if i < 0 {
		return name, "", false
	}
	bare = name[:i]
	bounds := name[i+len(";range="):]
	j := strings.IndexByte(bounds, '-')
	if j < 0 {
		return bare, "", false
	}
	return bare, bounds[j+1:], true
}
