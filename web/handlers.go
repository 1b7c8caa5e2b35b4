package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"f0oster/admirror/activedirectory"

	"github.com/google/uuid"
)

// EntityView is the flattened JSON rendering of one entity.
type EntityView struct {
	Tag               int       `json:"tag"`
	DN                string    `json:"dn"`
	ObjectGUID        string    `json:"object_guid"`
	Class             string    `json:"class"`
	SID               string    `json:"sid,omitempty"`
	SIDHistory        []string  `json:"sid_history,omitempty"`
	SAMAccountName    string    `json:"sam_account_name,omitempty"`
	UserPrincipalName string    `json:"user_principal_name,omitempty"`
	Email             string    `json:"email,omitempty"`
	EmailAliases      []string  `json:"email_aliases,omitempty"`
	ManagerTag        *int      `json:"manager_tag,omitempty"`
	ManagerDN         string    `json:"manager_dn,omitempty"`
	Manages           []int     `json:"manages,omitempty"`
	DirectMembers     []int     `json:"direct_members,omitempty"`
	DirectMemberOfs   []int     `json:"direct_member_ofs,omitempty"`
	PrimaryGroupID    int64     `json:"primary_group_id,omitempty"`
	PrimaryGroupToken int64     `json:"primary_group_token,omitempty"`
	WhenCreated       time.Time `json:"when_created,omitempty"`
	Status            string    `json:"status"`
	ChangeNotified    bool      `json:"change_notified"`
}

func toView(e *activedirectory.Entity) EntityView {
	v := EntityView{
		Tag:               e.Tag,
		DN:                e.DN,
		ObjectGUID:        e.ObjectGUID.String(),
		Class:             e.Class,
		SID:               e.SID,
		SIDHistory:        e.SIDHistory,
		SAMAccountName:    e.SAMAccountName,
		UserPrincipalName: e.UserPrincipalName,
		Email:             e.Email,
		EmailAliases:      e.EmailAliases,
		ManagerDN:         e.ManagerDN,
		Manages:           e.Manages.Tags(),
		DirectMembers:     e.DirectMembers.Tags(),
		DirectMemberOfs:   e.DirectMemberOfs.Tags(),
		PrimaryGroupID:    e.PrimaryGroupID,
		PrimaryGroupToken: e.PrimaryGroupToken,
		WhenCreated:       e.WhenCreated,
		Status:            e.Status().String(),
		ChangeNotified:    e.ChangeNotified(),
	}
	if e.ManagerTag != activedirectory.NoTag {
		tag := e.ManagerTag
		v.ManagerTag = &tag
	}
	return v
}

// handleLookup resolves one entity by any indexed key:
// /lookup?dn= | sam= | guid= | sid= | foreignSid= | upn= | email= | tag=
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var e *activedirectory.Entity
	q := r.URL.Query()
	switch {
	case q.Get("dn") != "":
		e = s.st.ByDN(q.Get("dn"))
	case q.Get("sam") != "":
		e = s.st.BySAMAccountName(q.Get("sam"))
	case q.Get("guid") != "":
		guid, err := uuid.Parse(q.Get("guid"))
		if err != nil {
			http.Error(w, "malformed guid", http.StatusBadRequest)
			return
		}
		e = s.st.ByGUID(guid)
	case q.Get("sid") != "":
		e = s.st.BySID(q.Get("sid"))
	case q.Get("foreignSid") != "":
		e = s.st.ByForeignSID(q.Get("foreignSid"))
	case q.Get("upn") != "":
		e = s.st.ByUPN(q.Get("upn"))
	case q.Get("email") != "":
		e = s.st.ByEmail(q.Get("email"))
	case q.Get("tag") != "":
		tag, err := strconv.Atoi(q.Get("tag"))
		if err != nil {
			http.Error(w, "malformed tag", http.StatusBadRequest)
			return
		}
		e = s.st.ByTag(tag)
	default:
		http.Error(w, "missing lookup key", http.StatusBadRequest)
		return
	}

	if e == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, toView(e))
}

// handleMembers lists a group's members: direct by default,
// the transitive closure with ?transitive=1, groups only with ?groups=1.
func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	g := s.st.BySAMAccountName(r.URL.Query().Get("sam"))
	if g == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var members []*activedirectory.Entity
	switch {
	case r.URL.Query().Get("groups") == "1":
		members = s.st.AllGroupTypeMembers(g)
	case r.URL.Query().Get("transitive") == "1":
		members = s.st.AllMembers(g)
	default:
		for _, tag := range g.DirectMembers.Tags() {
			if m := s.st.ByTag(tag); m != nil {
				members = append(members, m)
			}
		}
	}

	views := make([]EntityView, 0, len(members))
	for _, m := range members {
		views = append(views, toView(m))
	}
	writeJSON(w, views)
}

// handleMemberOfs lists every group an entity belongs to, transitively.
func (s *Server) handleMemberOfs(w http.ResponseWriter, r *http.Request) {
	e := s.st.BySAMAccountName(r.URL.Query().Get("sam"))
	if e == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	groups := s.st.AllMemberOfs(e)
	views := make([]EntityView, 0, len(groups))
	for _, g := range groups {
		views = append(views, toView(g))
	}
	writeJSON(w, views)
}

func (s *Server) handleDeferred(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.st.DeferredObjects())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"domain":   s.st.Domain(),
		"entities": s.st.Len(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
