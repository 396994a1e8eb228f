package store

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/mjl-/bstore"
	bolt "go.etcd.io/bbolt"
)

// CheckConsistency verifies the invariants of a store database offline: the
// low-level database structure, mailbox counts against their message rows,
// sequence high-water marks, identity references and the principal access
// index. The database must not be open elsewhere. The returned list holds a
// human-readable description per problem found; an empty list means the
// database is consistent.
func CheckConsistency(ctx context.Context, dbpath string) ([]string, error) {
	var problems []string
	problemf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	// Opening would create a missing file, which would then verify as an empty
	// but consistent database.
	if _, err := os.Stat(dbpath); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	// Bolt page/freelist structure first, the logical checks assume it.
	bdb, err := bolt.Open(dbpath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database with bolt: %w", err)
	}
	err = bdb.View(func(tx *bolt.Tx) error {
		for err := range tx.Check() {
			problemf("bolt database problem: %v", err)
		}
		return nil
	})
	if xerr := bdb.Close(); xerr != nil {
		return nil, fmt.Errorf("closing bolt database: %w", xerr)
	}
	if err != nil {
		return nil, fmt.Errorf("reading bolt database: %w", err)
	}

	db, err := bstore.Open(ctx, dbpath, nil, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Read(ctx, func(tx *bstore.Tx) error {
		sizes := map[string]int64{}
		err := bstore.QueryTx[Message](tx).ForEach(func(m Message) error {
			sizes[m.ID] = m.Size
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing message identities: %v", err)
		}
		referenced := map[string]bool{}

		mailboxes := map[int64]Mailbox{}
		err = bstore.QueryTx[Mailbox](tx).ForEach(func(mb Mailbox) error {
			mailboxes[mb.ID] = mb
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing mailboxes: %v", err)
		}

		for _, mb := range mailboxes {
			var counts MailboxCounts
			var maxUID UID
			var maxModSeq ModSeq
			q := bstore.QueryTx[MailboxMessage](tx)
			q.FilterNonzero(MailboxMessage{MailboxID: mb.ID})
			err := q.ForEach(func(mm MailboxMessage) error {
				size, ok := sizes[mm.MessageID]
				if !ok {
					problemf("mailbox %d (%s) uid %d references unknown identity %s", mb.ID, mb.Path(), mm.UID, mm.MessageID)
				}
				referenced[mm.MessageID] = true
				counts.Add(mm.counts(size))
				if mm.UID > maxUID {
					maxUID = mm.UID
				}
				if mm.ModSeq > maxModSeq {
					maxModSeq = mm.ModSeq
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("listing messages of mailbox %d: %v", mb.ID, err)
			}

			if counts != mb.MailboxCounts {
				problemf("mailbox %d (%s) has counts %+v, expected %+v", mb.ID, mb.Path(), mb.MailboxCounts, counts)
			}
			if maxUID >= mb.UIDNext {
				problemf("mailbox %d (%s) has uid %d >= uidnext %d", mb.ID, mb.Path(), maxUID, mb.UIDNext)
			}
			if maxModSeq > mb.ModSeq {
				problemf("mailbox %d (%s) has message modseq %d > mailbox modseq %d", mb.ID, mb.Path(), maxModSeq, mb.ModSeq)
			}

			// Every positive ACL entry must be indexed, and nothing else.
			type akey struct {
				name  string
				group bool
			}
			want := map[akey]bool{}
			for _, e := range mb.ACL {
				if !e.Negative {
					want[akey{e.Name, e.Group}] = true
				}
			}
			qa := bstore.QueryTx[MailboxAccess](tx)
			qa.FilterNonzero(MailboxAccess{MailboxID: mb.ID})
			err = qa.ForEach(func(a MailboxAccess) error {
				k := akey{a.Principal, a.Group}
				if !want[k] {
					problemf("access index entry %d for %q on mailbox %d (%s) without matching acl entry", a.ID, a.Principal, mb.ID, mb.Path())
				}
				delete(want, k)
				return nil
			})
			if err != nil {
				return fmt.Errorf("listing access index of mailbox %d: %v", mb.ID, err)
			}
			for k := range want {
				problemf("acl entry for %q on mailbox %d (%s) missing from access index", k.name, mb.ID, mb.Path())
			}
		}

		// Rows referencing deleted mailboxes.
		err = bstore.QueryTx[MailboxMessage](tx).ForEach(func(mm MailboxMessage) error {
			if _, ok := mailboxes[mm.MailboxID]; !ok {
				problemf("message row %d references unknown mailbox %d", mm.ID, mm.MailboxID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing message rows: %v", err)
		}
		err = bstore.QueryTx[Annotation](tx).ForEach(func(a Annotation) error {
			if _, ok := mailboxes[a.MailboxID]; !ok {
				problemf("annotation %d (%s) references unknown mailbox %d", a.ID, a.Key, a.MailboxID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing annotations: %v", err)
		}
		err = bstore.QueryTx[MailboxAccess](tx).ForEach(func(a MailboxAccess) error {
			if _, ok := mailboxes[a.MailboxID]; !ok {
				problemf("access index entry %d references unknown mailbox %d", a.ID, a.MailboxID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing access index: %v", err)
		}

		// Identities no mailbox references should have been removed with their
		// last reference.
		var orphans []string
		for id := range sizes {
			if !referenced[id] {
				orphans = append(orphans, id)
			}
		}
		sort.Strings(orphans)
		for _, id := range orphans {
			problemf("message identity %s not referenced by any mailbox", id)
		}
		return nil
	})
	if xerr := db.Close(); xerr != nil && err == nil {
		err = fmt.Errorf("closing database: %w", xerr)
	}
	return problems, err
}
