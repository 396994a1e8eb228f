package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"
	"golang.org/x/exp/slices"

	"github.com/evermail/mailstore/mlog"
)

// Rights is the set of operations a principal may perform on a mailbox.
type Rights struct {
	Lookup         bool // See the mailbox in listings.
	Read           bool // Read messages.
	Write          bool // Change message flags.
	Insert         bool // Add messages.
	Post           bool // Submit messages to the mailbox address.
	CreateMailbox  bool // Create child mailboxes.
	DeleteMailbox  bool // Delete the mailbox itself.
	DeleteMessages bool // Remove messages.
	Administer     bool // Change the ACL.
}

// RightsAll is all rights set, granted to a mailbox's owner at creation.
var RightsAll = Rights{true, true, true, true, true, true, true, true, true}

var rightsChars = []struct {
	c   byte
	get func(*Rights) *bool
}{
	{'l', func(r *Rights) *bool { return &r.Lookup }},
	{'r', func(r *Rights) *bool { return &r.Read }},
	{'w', func(r *Rights) *bool { return &r.Write }},
	{'i', func(r *Rights) *bool { return &r.Insert }},
	{'p', func(r *Rights) *bool { return &r.Post }},
	{'k', func(r *Rights) *bool { return &r.CreateMailbox }},
	{'x', func(r *Rights) *bool { return &r.DeleteMailbox }},
	{'t', func(r *Rights) *bool { return &r.DeleteMessages }},
	{'a', func(r *Rights) *bool { return &r.Administer }},
}

// ParseRights parses the character representation of rights, e.g. "lrwi".
// An unknown character returns ErrUnsupportedRight.
func ParseRights(s string) (Rights, error) {
	var r Rights
next:
	for i := 0; i < len(s); i++ {
		for _, rc := range rightsChars {
			if s[i] == rc.c {
				*rc.get(&r) = true
				continue next
			}
		}
		return Rights{}, fmt.Errorf("%w: %q", ErrUnsupportedRight, s[i])
	}
	return r, nil
}

// String returns the character representation, e.g. "lrwi".
func (r Rights) String() string {
	var b strings.Builder
	for _, rc := range rightsChars {
		if *rc.get(&r) {
			b.WriteByte(rc.c)
		}
	}
	return b.String()
}

// Union returns r with all rights set that are set in o.
func (r Rights) Union(o Rights) Rights {
	for _, rc := range rightsChars {
		if *rc.get(&o) {
			*rc.get(&r) = true
		}
	}
	return r
}

// Except returns r with all rights cleared that are set in o.
func (r Rights) Except(o Rights) Rights {
	for _, rc := range rightsChars {
		if *rc.get(&o) {
			*rc.get(&r) = false
		}
	}
	return r
}

// Has returns whether every right set in o is also set in r.
func (r Rights) Has(o Rights) bool {
	return r.Union(o) == r
}

// IsZero returns whether no right is set.
func (r Rights) IsZero() bool {
	return r == Rights{}
}

// ACLEntry grants (or, with Negative, denies) rights to a principal or group
// on one mailbox.
type ACLEntry struct {
	Name     string `bstore:"nonzero"` // Principal, or group name if Group.
	Group    bool
	Negative bool // Rights are subtracted instead of granted.
	Rights   Rights
}

// ACLUpdateMode is how requested rights are combined with an entry's current
// rights in UpdateACL.
type ACLUpdateMode uint8

const (
	ACLReplace ACLUpdateMode = iota
	ACLAdd
	ACLRemove
)

// ACLChanged is one entry whose rights changed between two ACLs.
type ACLChanged struct {
	Name      string
	Group     bool
	Negative  bool
	OldRights Rights
	NewRights Rights
}

// ACLDiff is the symmetric difference between an old and new ACL. It is
// ephemeral, derived to drive change events and the principal access index.
type ACLDiff struct {
	Added   []ACLEntry
	Removed []ACLEntry
	Changed []ACLChanged
}

func aclDiff(old, new []ACLEntry) ACLDiff {
	type key struct {
		name     string
		group    bool
		negative bool
	}
	om := map[key]ACLEntry{}
	for _, e := range old {
		om[key{e.Name, e.Group, e.Negative}] = e
	}
	var d ACLDiff
	for _, e := range new {
		k := key{e.Name, e.Group, e.Negative}
		oe, ok := om[k]
		if !ok {
			d.Added = append(d.Added, e)
			continue
		}
		delete(om, k)
		if oe.Rights != e.Rights {
			d.Changed = append(d.Changed, ACLChanged{e.Name, e.Group, e.Negative, oe.Rights, e.Rights})
		}
	}
	for _, e := range old {
		k := key{e.Name, e.Group, e.Negative}
		if _, ok := om[k]; ok {
			d.Removed = append(d.Removed, e)
		}
	}
	return d
}

// MailboxAccess is the principal access index: one row per positive ACL
// entry, to answer "which mailboxes is X granted access to" without scanning
// all mailboxes. Kept in sync with ACL mutations.
type MailboxAccess struct {
	ID        int64
	Principal string `bstore:"nonzero,index Principal+MailboxID"`
	Group     bool
	MailboxID int64 `bstore:"nonzero,index,ref Mailbox"`
}

// syncMailboxAccess brings the access index in line with an ACL change. Only
// the positive (non-negative) entries of the diff are indexed.
func syncMailboxAccess(tx *bstore.Tx, mailboxID int64, old, new []ACLEntry) error {
	d := aclDiff(old, new)
	for _, e := range d.Removed {
		if e.Negative {
			continue
		}
		q := bstore.QueryTx[MailboxAccess](tx)
		q.FilterNonzero(MailboxAccess{Principal: e.Name, MailboxID: mailboxID})
		q.FilterEqual("Group", e.Group)
		if _, err := q.Delete(); err != nil {
			return fmt.Errorf("deleting access index entry: %w", err)
		}
	}
	for _, e := range d.Added {
		if e.Negative {
			continue
		}
		if err := tx.Insert(&MailboxAccess{Principal: e.Name, Group: e.Group, MailboxID: mailboxID}); err != nil {
			return fmt.Errorf("inserting access index entry: %w", err)
		}
	}
	return nil
}

// resolveRights evaluates the mailbox ACL for a session: the union of all
// matching positive entries, minus the union of all matching negative
// entries. The mailbox owner and administrators always hold all rights.
func resolveRights(ses Session, mb Mailbox) Rights {
	if ses.Admin || ses.Principal != "" && ses.Principal == mb.Owner {
		return RightsAll
	}
	match := func(e ACLEntry) bool {
		if e.Group {
			return slices.Contains(ses.Groups, e.Name)
		}
		return e.Name == ses.Principal
	}
	var pos, neg Rights
	for _, e := range mb.ACL {
		if !match(e) {
			continue
		}
		if e.Negative {
			neg = neg.Union(e.Rights)
		} else {
			pos = pos.Union(e.Rights)
		}
	}
	return pos.Except(neg)
}

// MyRights returns the effective rights of the session on the mailbox.
func (s *Store) MyRights(ctx context.Context, ses Session, mailboxID int64) (Rights, error) {
	var r Rights
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		r = resolveRights(ses, mb)
		return nil
	})
	return r, err
}

func (s *Store) requireRights(ses Session, mb Mailbox, need Rights) error {
	if resolveRights(ses, mb).Has(need) {
		return nil
	}
	return PermissionError{Principal: ses.Principal, MailboxID: mb.ID, Missing: need.String()}
}

// domain returns the administrative domain of a principal name, the part
// after "@", or empty.
func domain(name string) string {
	if i := strings.LastIndex(name, "@"); i >= 0 {
		return name[i+1:]
	}
	return ""
}

// UpdateACL applies one ACL command to the mailbox: the rights for the entry
// identified by (name, group, negative) are replaced, extended or reduced
// per mode. An entry left without rights is removed. The returned diff is
// also broadcast as a ChangeACL event, and the principal access index is
// synchronized with the positive part of the diff. Granting rights to a
// principal in another administrative domain than the mailbox owner returns
// ErrDifferentDomain.
func (s *Store) UpdateACL(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64, entry ACLEntry, mode ACLUpdateMode) (ACLDiff, error) {
	var diff ACLDiff
	var mb Mailbox
	s.Lock()
	defer s.Unlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Administer: true}); err != nil {
			return err
		}
		if !entry.Group && domain(entry.Name) != "" && domain(mb.Owner) != "" && domain(entry.Name) != domain(mb.Owner) {
			return fmt.Errorf("%w: %s vs owner %s", ErrDifferentDomain, entry.Name, mb.Owner)
		}

		old := slices.Clone(mb.ACL)
		i := slices.IndexFunc(mb.ACL, func(e ACLEntry) bool {
			return e.Name == entry.Name && e.Group == entry.Group && e.Negative == entry.Negative
		})
		var cur Rights
		if i >= 0 {
			cur = mb.ACL[i].Rights
		}
		var nr Rights
		switch mode {
		case ACLAdd:
			nr = cur.Union(entry.Rights)
		case ACLRemove:
			nr = cur.Except(entry.Rights)
		default:
			nr = entry.Rights
		}
		if i >= 0 && nr.IsZero() {
			mb.ACL = slices.Delete(mb.ACL, i, i+1)
		} else if i >= 0 {
			mb.ACL[i].Rights = nr
		} else if !nr.IsZero() {
			entry.Rights = nr
			mb.ACL = append(mb.ACL, entry)
		}

		diff = aclDiff(old, mb.ACL)
		if err := tx.Update(&mb); err != nil {
			return fmt.Errorf("updating mailbox acl: %w", err)
		}
		return syncMailboxAccess(tx, mb.ID, old, mb.ACL)
	})
	if err != nil {
		return ACLDiff{}, err
	}
	s.BroadcastChanges([]Change{ChangeACL{MailboxID: mb.ID, Path: mb.Path(), Diff: diff}})
	return diff, nil
}

// SetACL replaces the whole ACL of the mailbox, returning the diff with the
// previous ACL. Same index synchronization and event as UpdateACL.
func (s *Store) SetACL(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64, acl []ACLEntry) (ACLDiff, error) {
	var diff ACLDiff
	var mb Mailbox
	s.Lock()
	defer s.Unlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Administer: true}); err != nil {
			return err
		}
		for _, e := range acl {
			if !e.Group && domain(e.Name) != "" && domain(mb.Owner) != "" && domain(e.Name) != domain(mb.Owner) {
				return fmt.Errorf("%w: %s vs owner %s", ErrDifferentDomain, e.Name, mb.Owner)
			}
		}

		old := mb.ACL
		mb.ACL = slices.Clone(acl)
		diff = aclDiff(old, mb.ACL)
		if err := tx.Update(&mb); err != nil {
			return fmt.Errorf("updating mailbox acl: %w", err)
		}
		return syncMailboxAccess(tx, mb.ID, old, mb.ACL)
	})
	if err != nil {
		return ACLDiff{}, err
	}
	s.BroadcastChanges([]Change{ChangeACL{MailboxID: mb.ID, Path: mb.Path(), Diff: diff}})
	return diff, nil
}

// MailboxesVisibleTo returns the mailboxes that principal (or one of groups)
// has been granted at least the needed rights on through the ACL, excluding
// mailboxes the principal owns. Answered through the access index, without
// scanning all mailboxes.
func (s *Store) MailboxesVisibleTo(ctx context.Context, principal string, groups []string, need Rights) ([]Mailbox, error) {
	ses := Session{Principal: principal, Groups: groups}
	var l []Mailbox
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		seen := map[int64]bool{}
		names := append([]string{principal}, groups...)
		for i, name := range names {
			q := bstore.QueryTx[MailboxAccess](tx)
			q.FilterNonzero(MailboxAccess{Principal: name})
			q.FilterEqual("Group", i > 0)
			accesses, err := q.List()
			if err != nil {
				return fmt.Errorf("listing access index: %v", err)
			}
			for _, a := range accesses {
				if seen[a.MailboxID] {
					continue
				}
				seen[a.MailboxID] = true
				mb, err := s.MailboxByID(tx, a.MailboxID)
				if err != nil {
					return err
				}
				if mb.Owner == principal {
					continue
				}
				if resolveRights(ses, mb).Has(need) {
					l = append(l, mb)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(l, func(a, b Mailbox) int { return strings.Compare(a.Name, b.Name) })
	return l, nil
}
