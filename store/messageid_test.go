package store

import (
	"errors"
	"testing"

	"github.com/mjl-/bstore"
)

func TestSetMessageFlags(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "setmessageflags")

	inbox, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox"))
	tcheck(t, err, "create mailbox")
	archive, err := s.CreateMailbox(ctxbg, xlog, tpath("Archive"))
	tcheck(t, err, "create mailbox")
	// A mailbox of another owner holding the same identity, where the session
	// has no write right.
	foreign, err := s.CreateMailbox(ctxbg, xlog, Path{NamespacePersonal, "peer@example.org", "Inbox"})
	tcheck(t, err, "create mailbox")

	mm := tappend(t, s, testSession, inbox.ID, testMsg, FlagSet{})
	_, err = s.CopyMessages(ctxbg, xlog, testSession, inbox.ID, archive.ID, []UID{mm.UID})
	tcheck(t, err, "copy to archive")
	peer := Session{Principal: "peer@example.org"}
	_, err = s.SetInMailboxes(ctxbg, xlog, Session{Admin: true}, mm.MessageID, []int64{inbox.ID, archive.ID, foreign.ID})
	tcheck(t, err, "spread identity to foreign mailbox")

	result, err := s.SetMessageFlags(ctxbg, xlog, testSession, mm.MessageID, nil, FlagSet{Flags: Flags{Seen: true}}, FlagsAdd)
	tcheck(t, err, "set flags by identity")
	if len(result) != 2 {
		t.Fatalf("result for %d mailboxes, expected 2: the foreign mailbox is skipped", len(result))
	}
	for _, mbID := range []int64{inbox.ID, archive.ID} {
		row, ok := result[mbID]
		if !ok || !row.Seen {
			t.Fatalf("mailbox %d missing or not seen in result %v", mbID, result)
		}
	}
	if _, ok := result[foreign.ID]; ok {
		t.Fatalf("foreign mailbox in result despite missing write right")
	}

	// Unchanged rows come back with their existing modseq, no event.
	comm := RegisterComm(s)
	defer comm.Unregister()
	again, err := s.SetMessageFlags(ctxbg, xlog, testSession, mm.MessageID, nil, FlagSet{Flags: Flags{Seen: true}}, FlagsAdd)
	tcheck(t, err, "set flags again")
	if again[inbox.ID].ModSeq != result[inbox.ID].ModSeq {
		t.Fatalf("no-op changed modseq from %d to %d", result[inbox.ID].ModSeq, again[inbox.ID].ModSeq)
	}
	if len(comm.Get()) != 0 {
		t.Fatalf("no-op set flags broadcast changes")
	}

	// Explicit mailbox selection narrows the update.
	result, err = s.SetMessageFlags(ctxbg, xlog, testSession, mm.MessageID, []int64{archive.ID}, FlagSet{Flags: Flags{Flagged: true}}, FlagsAdd)
	tcheck(t, err, "set flags in selected mailbox")
	if len(result) != 1 || !result[archive.ID].Flagged {
		t.Fatalf("selected-mailbox result %v", result)
	}

	// The peer can update their own mailbox but not the others.
	result, err = s.SetMessageFlags(ctxbg, xlog, peer, mm.MessageID, nil, FlagSet{Flags: Flags{Answered: true}}, FlagsAdd)
	tcheck(t, err, "set flags as peer")
	if len(result) != 1 {
		t.Fatalf("peer result for %d mailboxes, expected only their own", len(result))
	}
	if _, ok := result[foreign.ID]; !ok {
		t.Fatalf("peer's own mailbox missing from result")
	}
}

func TestSetMessageFlagsIn(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "setmessageflagsin")

	inbox, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox"))
	tcheck(t, err, "create mailbox")
	mm := tappend(t, s, testSession, inbox.ID, testMsg, FlagSet{})

	row, err := s.SetMessageFlagsIn(ctxbg, xlog, testSession, inbox.ID, mm.MessageID, FlagSet{Flags: Flags{Seen: true}}, FlagsAdd)
	tcheck(t, err, "set flags in mailbox")
	if !row.Seen || row.ModSeq == mm.ModSeq {
		t.Fatalf("row %v after update", row)
	}

	// The single-mailbox variant surfaces what the bulk variant skips.
	_, err = s.SetMessageFlagsIn(ctxbg, xlog, testSession, inbox.ID+999, mm.MessageID, FlagSet{}, FlagsAdd)
	if !errors.Is(err, ErrMailboxAbsent) {
		t.Fatalf("absent mailbox: %v, expected ErrMailboxAbsent", err)
	}
	_, err = s.SetMessageFlagsIn(ctxbg, xlog, testSession, inbox.ID, "no-such-identity", FlagSet{}, FlagsAdd)
	if !errors.Is(err, ErrMessageAbsent) {
		t.Fatalf("absent identity: %v, expected ErrMessageAbsent", err)
	}
	_, err = s.SetMessageFlagsIn(ctxbg, xlog, Session{Principal: "peer@example.org"}, inbox.ID, mm.MessageID, FlagSet{Flags: Flags{Seen: true}}, FlagsAdd)
	var perr PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("update without write right: %v, expected PermissionError", err)
	}
}

func TestSetInMailboxes(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "setinmailboxes")

	inbox, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox"))
	tcheck(t, err, "create mailbox")
	archive, err := s.CreateMailbox(ctxbg, xlog, tpath("Archive"))
	tcheck(t, err, "create mailbox")
	trash, err := s.CreateMailbox(ctxbg, xlog, tpath("Trash"))
	tcheck(t, err, "create mailbox")

	mm := tappend(t, s, testSession, inbox.ID, testMsg, FlagSet{Flags: Flags{Seen: true}, Keywords: []string{"todo"}})

	comm := RegisterComm(s)
	defer comm.Unregister()

	// {Inbox} -> {Inbox, Archive}: enter Archive, keep Inbox.
	moves, err := s.SetInMailboxes(ctxbg, xlog, testSession, mm.MessageID, []int64{inbox.ID, archive.ID})
	tcheck(t, err, "set in mailboxes")
	if len(moves.Added) != 1 || moves.Added[0] != archive.ID || len(moves.Kept) != 1 || moves.Kept[0] != inbox.ID || len(moves.Removed) != 0 {
		t.Fatalf("moves %+v, expected added Archive, kept Inbox", moves)
	}

	changes := comm.Get()
	var moveChanges []ChangeMove
	for _, ch := range changes {
		if mv, ok := ch.(ChangeMove); ok {
			moveChanges = append(moveChanges, mv)
		}
	}
	if len(moveChanges) != 1 {
		t.Fatalf("%d ChangeMove events, expected exactly 1 per call", len(moveChanges))
	}
	if moveChanges[0].MessageID != mm.MessageID || len(moveChanges[0].Added) != 1 {
		t.Fatalf("move change %+v", moveChanges[0])
	}

	// Flags carried over into the entered mailbox, the owner has write there.
	err = s.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[MailboxMessage](tx)
		q.FilterNonzero(MailboxMessage{MailboxID: archive.ID, MessageID: mm.MessageID})
		row, err := q.Get()
		tcheck(t, err, "get archived row")
		if !row.Seen || len(row.Keywords) != 1 {
			t.Fatalf("archived row flags %v %v, expected carried over", row.Flags, row.Keywords)
		}
		return nil
	})
	tcheck(t, err, "db read")

	// {Inbox, Archive} -> {Trash}: enter Trash, leave both.
	moves, err = s.SetInMailboxes(ctxbg, xlog, testSession, mm.MessageID, []int64{trash.ID})
	tcheck(t, err, "set in mailboxes")
	if len(moves.Added) != 1 || len(moves.Removed) != 2 || len(moves.Kept) != 0 {
		t.Fatalf("moves %+v, expected added Trash, removed Inbox and Archive", moves)
	}

	// No change at all: no events, zero delta.
	comm.Get()
	moves, err = s.SetInMailboxes(ctxbg, xlog, testSession, mm.MessageID, []int64{trash.ID})
	tcheck(t, err, "set in mailboxes unchanged")
	if moves.Any() {
		t.Fatalf("moves %+v for unchanged target set", moves)
	}
	if len(comm.Get()) != 0 {
		t.Fatalf("events broadcast for unchanged target set")
	}

	// Leaving the last mailbox destroys the identity, hooks run first.
	hook := &testHook{name: "audit"}
	s.AddPreDeletionHook(hook)
	moves, err = s.SetInMailboxes(ctxbg, xlog, testSession, mm.MessageID, nil)
	tcheck(t, err, "remove from all mailboxes")
	if len(moves.Removed) != 1 {
		t.Fatalf("moves %+v, expected removal from Trash", moves)
	}
	if len(hook.got) != 1 || len(hook.got[0]) != 1 {
		t.Fatalf("hook saw %v, expected the destroyed message", hook.got)
	}
	_, err = s.MessageIdentity(ctxbg, mm.MessageID)
	if !errors.Is(err, ErrMessageAbsent) {
		t.Fatalf("identity after leaving all mailboxes: %v, expected ErrMessageAbsent", err)
	}

	// An identity that no longer exists anywhere, e.g. because of a racing
	// deletion, is a no-op, not an error.
	comm.Get()
	moves, err = s.SetInMailboxes(ctxbg, xlog, testSession, "no-such-identity", []int64{inbox.ID})
	tcheck(t, err, "set in mailboxes for absent identity")
	if moves.Any() {
		t.Fatalf("moves %+v for absent identity, expected no-op", moves)
	}
	if len(comm.Get()) != 0 {
		t.Fatalf("events broadcast for absent identity")
	}
}

func TestSetInMailboxesRights(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "setinmailboxesrights")

	inbox, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox"))
	tcheck(t, err, "create mailbox")
	peerbox, err := s.CreateMailbox(ctxbg, xlog, Path{NamespacePersonal, "peer@example.org", "Inbox"})
	tcheck(t, err, "create mailbox")
	peer := Session{Principal: "peer@example.org"}

	mm := tappend(t, s, testSession, inbox.ID, testMsg, FlagSet{Flags: Flags{Seen: true}})

	// The peer cannot see the identity at all: logged no-op.
	moves, err := s.SetInMailboxes(ctxbg, xlog, peer, mm.MessageID, []int64{peerbox.ID})
	tcheck(t, err, "set in mailboxes without visibility")
	if moves.Any() {
		t.Fatalf("moves %+v for invisible identity, expected no-op", moves)
	}

	// Grant read on inbox: the peer can now spread the identity, but without
	// write right in the target... it owns the target, so flags carry.
	_, err = s.UpdateACL(ctxbg, xlog, testSession, inbox.ID, ACLEntry{Name: "peer@example.org", Rights: Rights{Lookup: true, Read: true}}, ACLReplace)
	tcheck(t, err, "grant read")
	moves, err = s.SetInMailboxes(ctxbg, xlog, peer, mm.MessageID, []int64{inbox.ID, peerbox.ID})
	tcheck(t, err, "spread identity")
	if len(moves.Added) != 1 || moves.Added[0] != peerbox.ID {
		t.Fatalf("moves %+v, expected added peer mailbox", moves)
	}

	// Removing from a mailbox needs the DeleteMessages right there.
	_, err = s.SetInMailboxes(ctxbg, xlog, peer, mm.MessageID, []int64{peerbox.ID})
	var perr PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("removal without right: %v, expected PermissionError", err)
	}

	// Entering a mailbox needs Read there as well: insert alone is not enough
	// for a mailbox in the final target set.
	dropbox, err := s.CreateMailbox(ctxbg, xlog, Path{NamespacePersonal, "third@example.org", "Drop"})
	tcheck(t, err, "create mailbox")
	third := Session{Principal: "third@example.org"}
	_, err = s.UpdateACL(ctxbg, xlog, third, dropbox.ID, ACLEntry{Name: "peer@example.org", Rights: Rights{Insert: true}}, ACLReplace)
	tcheck(t, err, "grant insert only")
	_, err = s.SetInMailboxes(ctxbg, xlog, peer, mm.MessageID, []int64{inbox.ID, peerbox.ID, dropbox.ID})
	if !errors.As(err, &perr) {
		t.Fatalf("entering mailbox without read right: %v, expected PermissionError", err)
	}
}

func TestDeleteMessageIDs(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "deletemessageids")

	inbox, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox"))
	tcheck(t, err, "create mailbox")
	archive, err := s.CreateMailbox(ctxbg, xlog, tpath("Archive"))
	tcheck(t, err, "create mailbox")

	mm1 := tappend(t, s, testSession, inbox.ID, testMsg, FlagSet{})
	mm2 := tappend(t, s, testSession, inbox.ID, testMsg, FlagSet{})
	_, err = s.CopyMessages(ctxbg, xlog, testSession, inbox.ID, archive.ID, []UID{mm2.UID})
	tcheck(t, err, "copy")

	hook := &testHook{name: "audit"}
	s.AddPreDeletionHook(hook)

	result, err := s.DeleteMessageIDs(ctxbg, xlog, testSession, []string{mm1.MessageID, mm2.MessageID, "unknown"})
	tcheck(t, err, "delete by identity")
	if len(result.Destroyed) != 2 {
		t.Fatalf("destroyed %v, expected both identities", result.Destroyed)
	}
	if len(result.NotFound) != 1 || result.NotFound[0] != "unknown" {
		t.Fatalf("notfound %v, expected [unknown]", result.NotFound)
	}
	// mm2 was present in two mailboxes: 3 rows went to the hooks.
	if len(hook.got) != 1 || len(hook.got[0]) != 3 {
		t.Fatalf("hook saw %v, expected one batch of 3 rows", hook.got)
	}

	_, err = s.MessageIdentity(ctxbg, mm2.MessageID)
	if !errors.Is(err, ErrMessageAbsent) {
		t.Fatalf("identity after delete: %v, expected ErrMessageAbsent", err)
	}
}

func TestHookIsolation(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "hookisolation")

	inbox, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox"))
	tcheck(t, err, "create mailbox")
	mm := tappend(t, s, testSession, inbox.ID, testMsg, FlagSet{})

	panicking := &testHook{name: "panicking", panics: true}
	failing := &testHook{name: "failing", err: errors.New("hook failure")}
	after := &testHook{name: "after"}
	s.AddPreDeletionHook(panicking)
	s.AddPreDeletionHook(failing)
	s.AddPreDeletionHook(after)

	deleted, err := s.DeleteMessages(ctxbg, xlog, testSession, inbox.ID, []UID{mm.UID})
	tcheck(t, err, "delete despite misbehaving hooks")
	if len(deleted) != 1 {
		t.Fatalf("deleted %v, expected the message", deleted)
	}
	// All hooks ran, in order, the failures of earlier ones notwithstanding.
	if len(panicking.got) != 1 || len(failing.got) != 1 || len(after.got) != 1 {
		t.Fatalf("hook invocations %d/%d/%d, expected 1 each", len(panicking.got), len(failing.got), len(after.got))
	}
}
