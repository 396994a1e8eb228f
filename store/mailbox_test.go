package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mjl-/bstore"
)

func TestPath(t *testing.T) {
	p := tpath("Inbox.work.reports")
	parent, ok := p.Parent()
	if !ok || parent.Name != "Inbox.work" {
		t.Fatalf("parent %v %v, expected Inbox.work", parent, ok)
	}
	anc := p.Ancestors()
	if len(anc) != 2 || anc[0].Name != "Inbox" || anc[1].Name != "Inbox.work" {
		t.Fatalf("ancestors %v, expected [Inbox Inbox.work]", anc)
	}
	if _, ok := tpath("Inbox").Parent(); ok {
		t.Fatalf("top-level name has a parent")
	}
	if !tpath("Inbox").IsAncestorOf(p) {
		t.Fatalf("Inbox should be ancestor of %v", p)
	}
	if tpath("Inb").IsAncestorOf(p) {
		t.Fatalf("Inb should not be ancestor of %v, only whole segments count", p)
	}
}

func TestCreateMailbox(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "createmailbox")
	comm := RegisterComm(s)
	defer comm.Unregister()

	mb, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox.work.reports"))
	tcheck(t, err, "create mailbox")
	if mb.Name != "Inbox.work.reports" {
		t.Fatalf("created mailbox %q, expected deepest path", mb.Name)
	}
	if mb.UIDNext != 1 || mb.UIDValidity == 0 {
		t.Fatalf("new mailbox uidnext %d, uidvalidity %d", mb.UIDNext, mb.UIDValidity)
	}

	changes := comm.Get()
	if len(changes) != 3 {
		t.Fatalf("%d changes for create with two missing ancestors, expected 3", len(changes))
	}
	names := []string{"Inbox", "Inbox.work", "Inbox.work.reports"}
	for i, ch := range changes {
		add, ok := ch.(ChangeAddMailbox)
		if !ok || add.Mailbox.Name != names[i] {
			t.Fatalf("change %d: %#v, expected add of %q", i, ch, names[i])
		}
	}

	_, err = s.CreateMailbox(ctxbg, xlog, tpath("Inbox.work"))
	if !errors.Is(err, ErrMailboxExists) {
		t.Fatalf("creating existing mailbox: %v, expected ErrMailboxExists", err)
	}
	_, err = s.CreateMailbox(ctxbg, xlog, tpath("Inbox..bad"))
	if err == nil {
		t.Fatalf("empty name segment accepted")
	}
	_, err = s.CreateMailbox(ctxbg, xlog, Path{"", testOwner, "X"})
	if err == nil {
		t.Fatalf("empty namespace accepted")
	}

	l, err := s.Mailboxes(ctxbg, NamespacePersonal, testOwner)
	tcheck(t, err, "list mailboxes")
	if len(l) != 3 {
		t.Fatalf("%d mailboxes, expected 3", len(l))
	}

	err = s.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		x, err := s.MailboxFind(tx, tpath("Inbox.work"))
		tcheck(t, err, "find mailbox")
		if x == nil {
			t.Fatalf("Inbox.work not found")
		}
		ok, err := s.HasChildren(tx, *x)
		tcheck(t, err, "has children")
		if !ok {
			t.Fatalf("Inbox.work should have children")
		}
		if _, err := s.MailboxByID(tx, x.ID+999); !errors.Is(err, ErrMailboxAbsent) {
			t.Fatalf("unknown id: %v, expected ErrMailboxAbsent", err)
		}
		return nil
	})
	tcheck(t, err, "db read")
}

func TestRenameMailbox(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "renamemailbox")

	_, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox.a.b"))
	tcheck(t, err, "create mailbox")
	top, err := s.CreateMailbox(ctxbg, xlog, tpath("Other"))
	tcheck(t, err, "create mailbox")

	var inboxValidity uint32
	err = s.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := s.MailboxFind(tx, tpath("Inbox"))
		tcheck(t, err, "find")
		inboxValidity = mb.UIDValidity
		return nil
	})
	tcheck(t, err, "db read")

	comm := RegisterComm(s)
	defer comm.Unregister()

	err = s.RenameMailbox(ctxbg, xlog, tpath("Inbox"), tpath("Archive"))
	tcheck(t, err, "rename mailbox")

	changes := comm.Get()
	if len(changes) != 3 {
		t.Fatalf("%d changes for renaming a subtree of 3, expected 3", len(changes))
	}
	wantOld := []string{"Inbox", "Inbox.a", "Inbox.a.b"}
	wantNew := []string{"Archive", "Archive.a", "Archive.a.b"}
	for i, ch := range changes {
		ren, ok := ch.(ChangeRenameMailbox)
		if !ok || ren.OldPath.Name != wantOld[i] || ren.NewPath.Name != wantNew[i] {
			t.Fatalf("change %d: %#v, expected rename %s -> %s", i, ch, wantOld[i], wantNew[i])
		}
	}

	err = s.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		if x, err := s.MailboxFind(tx, tpath("Inbox")); err != nil || x != nil {
			t.Fatalf("old path still present after rename: %v %v", x, err)
		}
		mb, err := s.MailboxFind(tx, tpath("Archive"))
		tcheck(t, err, "find renamed")
		if mb == nil {
			t.Fatalf("renamed mailbox absent")
		}
		if mb.UIDValidity != inboxValidity {
			t.Fatalf("uidvalidity changed by rename: %d != %d", mb.UIDValidity, inboxValidity)
		}
		return nil
	})
	tcheck(t, err, "db read")

	err = s.RenameMailbox(ctxbg, xlog, tpath("Archive"), tpath("Archive.sub"))
	if err == nil {
		t.Fatalf("rename under itself accepted")
	}
	err = s.RenameMailbox(ctxbg, xlog, tpath("Archive"), top.Path())
	if !errors.Is(err, ErrMailboxExists) {
		t.Fatalf("rename onto existing mailbox: %v, expected ErrMailboxExists", err)
	}
	err = s.RenameMailbox(ctxbg, xlog, tpath("Gone"), tpath("Elsewhere"))
	if !errors.Is(err, ErrMailboxAbsent) {
		t.Fatalf("rename of absent mailbox: %v, expected ErrMailboxAbsent", err)
	}
}

type testHook struct {
	name   string
	got    [][]DeletedMessage
	err    error
	panics bool
	action func() // Runs during the hook, before the physical delete.
}

func (h *testHook) Name() string { return h.name }

func (h *testHook) MessagesWillBeDeleted(ctx context.Context, deleted []DeletedMessage) error {
	h.got = append(h.got, deleted)
	if h.action != nil {
		h.action()
	}
	if h.panics {
		panic("test hook panic")
	}
	return h.err
}

func TestDeleteMailbox(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "deletemailbox")

	mb, err := s.CreateMailbox(ctxbg, xlog, tpath("Trash"))
	tcheck(t, err, "create mailbox")
	mm1 := tappend(t, s, testSession, mb.ID, testMsg, FlagSet{})
	mm2 := tappend(t, s, testSession, mb.ID, testMsg, FlagSet{})

	hook := &testHook{name: "export"}
	s.AddPreDeletionHook(hook)

	err = s.DeleteMailbox(ctxbg, xlog, Session{Principal: "other@example.org"}, mb.ID)
	var perr PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("delete by other principal: %v, expected PermissionError", err)
	}

	comm := RegisterComm(s)
	defer comm.Unregister()

	err = s.DeleteMailbox(ctxbg, xlog, testSession, mb.ID)
	tcheck(t, err, "delete mailbox")

	if len(hook.got) != 1 || len(hook.got[0]) != 2 {
		t.Fatalf("hook saw %v, expected one batch of 2 messages", hook.got)
	}
	if hook.got[0][0].UID != mm1.UID || hook.got[0][1].UID != mm2.UID {
		t.Fatalf("hook batch uids %v, expected %d and %d", hook.got[0], mm1.UID, mm2.UID)
	}

	changes := comm.Get()
	if len(changes) != 2 {
		t.Fatalf("%d changes, expected ChangeRemoveUIDs and ChangeRemoveMailbox", len(changes))
	}
	rem, ok := changes[0].(ChangeRemoveUIDs)
	if !ok || len(rem.UIDs) != 2 {
		t.Fatalf("first change %#v, expected removal of 2 uids", changes[0])
	}
	if _, ok := changes[1].(ChangeRemoveMailbox); !ok {
		t.Fatalf("second change %#v, expected ChangeRemoveMailbox", changes[1])
	}

	err = s.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		n, err := bstore.QueryTx[MailboxMessage](tx).FilterNonzero(MailboxMessage{MailboxID: mb.ID}).Count()
		tcheck(t, err, "count rows")
		if n != 0 {
			t.Fatalf("%d message rows left after mailbox delete", n)
		}
		n, err = bstore.QueryTx[MailboxAccess](tx).FilterNonzero(MailboxAccess{MailboxID: mb.ID}).Count()
		tcheck(t, err, "count access rows")
		if n != 0 {
			t.Fatalf("%d access index rows left after mailbox delete", n)
		}
		return nil
	})
	tcheck(t, err, "db read")

	err = s.DeleteMailbox(ctxbg, xlog, testSession, mb.ID)
	if !errors.Is(err, ErrMailboxAbsent) {
		t.Fatalf("deleting deleted mailbox: %v, expected ErrMailboxAbsent", err)
	}
}

func TestAnnotations(t *testing.T) {
	defer Switchboard()()
	s := newTestStore(t, "annotations")

	mb, err := s.CreateMailbox(ctxbg, xlog, tpath("Inbox"))
	tcheck(t, err, "create mailbox")

	comm := RegisterComm(s)
	defer comm.Unregister()

	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/comment", true, []byte("hello"))
	tcheck(t, err, "set annotation")
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/color", true, []byte("blue"))
	tcheck(t, err, "set annotation")

	changes := comm.Get()
	if len(changes) != 2 {
		t.Fatalf("%d changes, expected 2 annotation changes", len(changes))
	}

	l, err := s.Annotations(ctxbg, testSession, mb.ID, "")
	tcheck(t, err, "list annotations")
	if len(l) != 2 {
		t.Fatalf("%d annotations, expected 2", len(l))
	}
	l, err = s.Annotations(ctxbg, testSession, mb.ID, "/private/com")
	tcheck(t, err, "list annotations with prefix")
	if len(l) != 1 || string(l[0].Value) != "hello" {
		t.Fatalf("prefix query %v, expected only the comment", l)
	}

	// Replacing and removing.
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/comment", true, []byte("bye"))
	tcheck(t, err, "replace annotation")
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/color", true, nil)
	tcheck(t, err, "remove annotation")
	l, err = s.Annotations(ctxbg, testSession, mb.ID, "")
	tcheck(t, err, "list annotations")
	if len(l) != 1 || string(l[0].Value) != "bye" {
		t.Fatalf("after replace/remove: %v", l)
	}

	if changes := comm.Get(); len(changes) != 2 {
		t.Fatalf("%d changes, expected the replace and the remove", len(changes))
	}

	// Removing an absent annotation is a no-op without event.
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/color", true, nil)
	tcheck(t, err, "remove absent annotation")
	if changes := comm.Get(); len(changes) != 0 {
		t.Fatalf("%d changes for no-op removal, expected none", len(changes))
	}

	// Storing the value already present is a no-op without event too.
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/comment", true, []byte("bye"))
	tcheck(t, err, "set unchanged annotation")
	if changes := comm.Get(); len(changes) != 0 {
		t.Fatalf("%d changes for unchanged annotation, expected none", len(changes))
	}

	big := make([]byte, s.Limits.MaxAnnotationSize+1)
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/big", false, big)
	if !errors.Is(err, ErrAnnotationTooLarge) {
		t.Fatalf("oversized annotation: %v, expected ErrAnnotationTooLarge", err)
	}

	s.Limits.MaxAnnotations = 2
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/two", true, []byte("x"))
	tcheck(t, err, "second annotation")
	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "/private/three", true, []byte("x"))
	if !errors.Is(err, ErrTooManyAnnotations) {
		t.Fatalf("annotation over count limit: %v, expected ErrTooManyAnnotations", err)
	}

	err = s.SetAnnotation(ctxbg, xlog, testSession, mb.ID, "no-slash", true, []byte("x"))
	if err == nil {
		t.Fatalf("key without leading slash accepted")
	}
}
