package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjl-/bstore"
	"golang.org/x/exp/slices"

	"github.com/evermail/mailstore/metrics"
	"github.com/evermail/mailstore/mlog"
)

// Operations addressed by message identity instead of (mailbox, UID). An
// identity can be present in many mailboxes, also of different owners, so
// these evaluate rights per mailbox and treat mailboxes racing with deletion
// as a normal condition rather than a failure.

// mailboxesContaining returns the mailbox rows for the identity, through the
// MessageID index.
func mailboxesContaining(tx *bstore.Tx, messageID string) ([]MailboxMessage, error) {
	q := bstore.QueryTx[MailboxMessage](tx)
	q.FilterNonzero(MailboxMessage{MessageID: messageID})
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing identity presences: %v", err)
	}
	return l, nil
}

// SetMessageFlags updates flags of the identity in each of the given
// mailboxes, or in every mailbox containing it when mailboxIDs is nil.
// Mailboxes where the session lacks the Write right are skipped. A mailbox
// (or row) vanishing between the read and the conditional write is retried
// up to the configured number of attempts and then skipped with a log
// message; such mailboxes are absent from the result. The result maps
// mailbox ID to the row after the call, including unchanged rows with their
// existing modification sequence.
func (s *Store) SetMessageFlags(ctx context.Context, log *mlog.Log, ses Session, messageID string, mailboxIDs []int64, req FlagSet, mode FlagsMode) (map[int64]MailboxMessage, error) {
	for _, kw := range req.Keywords {
		if !ValidLowercaseKeyword(kw) {
			return nil, fmt.Errorf("invalid keyword %q", kw)
		}
	}

	s.RLock()
	defer s.RUnlock()

	var targets []int64
	if mailboxIDs != nil {
		targets = mailboxIDs
	} else {
		err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
			rows, err := mailboxesContaining(tx, messageID)
			if err != nil {
				return err
			}
			for _, mm := range rows {
				targets = append(targets, mm.MailboxID)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	result := map[int64]MailboxMessage{}
	var changes []Change
	for _, mbID := range targets {
		mm, chs, err := s.setFlagsOne(ctx, ses, mbID, messageID, req, mode)
		if err == errSkipMailbox {
			continue
		} else if errors.Is(err, ErrConcurrentDeletion) {
			// Concurrent deletion won the race even after retrying. The other
			// mailboxes are still worth updating.
			metrics.FlagsRetryInc("exhausted")
			log.Infox("skipping mailbox for flag update", err, mlog.Field("mailbox", mbID), mlog.Field("message", messageID))
			continue
		} else if err != nil {
			// Earlier mailboxes committed, their changes must still go out.
			s.BroadcastChanges(changes)
			return nil, err
		}
		result[mbID] = mm
		changes = append(changes, chs...)
	}
	s.BroadcastChanges(changes)
	return result, nil
}

// SetMessageFlagsIn is the single-mailbox variant. Unlike SetMessageFlags it
// does not degrade to a skip: a missing right, absent row, or a concurrent
// deletion that outlasts the retries is returned as an error.
func (s *Store) SetMessageFlagsIn(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64, messageID string, req FlagSet, mode FlagsMode) (MailboxMessage, error) {
	for _, kw := range req.Keywords {
		if !ValidLowercaseKeyword(kw) {
			return MailboxMessage{}, fmt.Errorf("invalid keyword %q", kw)
		}
	}

	s.RLock()
	defer s.RUnlock()

	mm, chs, err := s.setFlagsOne(ctx, ses, mailboxID, messageID, req, mode)
	if err == errSkipMailbox {
		mb := Mailbox{ID: mailboxID}
		if xerr := s.DB.Get(ctx, &mb); xerr == bstore.ErrAbsent {
			return MailboxMessage{}, fmt.Errorf("%w: %d", ErrMailboxAbsent, mailboxID)
		}
		if xerr := s.requireRights(ses, mb, Rights{Write: true}); xerr != nil {
			return MailboxMessage{}, xerr
		}
		return MailboxMessage{}, fmt.Errorf("%w: identity %s in mailbox %d", ErrMessageAbsent, messageID, mailboxID)
	} else if err != nil {
		return MailboxMessage{}, err
	}
	s.BroadcastChanges(chs)
	return mm, nil
}

// errSkipMailbox is internal: the mailbox does not contain the identity or
// the session may not write to it. Not a concurrency condition, no retry.
var errSkipMailbox = fmt.Errorf("mailbox skipped")

// setFlagsOne runs the read-then-conditional-write protocol for the identity
// in one mailbox, retrying on concurrent deletion.
func (s *Store) setFlagsOne(ctx context.Context, ses Session, mailboxID int64, messageID string, req FlagSet, mode FlagsMode) (MailboxMessage, []Change, error) {
	var result MailboxMessage
	var changes []Change

	attempts := s.Limits.SetFlagsAttempts
	if attempts < 1 {
		attempts = 1
	}
	first := true
	err := retryConcurrent(attempts, func() error {
		if !first {
			metrics.FlagsRetryInc("retried")
		}
		first = false
		changes = nil

		// Read phase: current row and rights, outside the write transaction.
		var mm MailboxMessage
		err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
			mb, err := s.MailboxByID(tx, mailboxID)
			if err == nil {
				if xerr := s.requireRights(ses, mb, Rights{Write: true}); xerr != nil {
					return errSkipMailbox
				}
			} else {
				return errSkipMailbox
			}
			q := bstore.QueryTx[MailboxMessage](tx)
			q.FilterNonzero(MailboxMessage{MailboxID: mailboxID, MessageID: messageID})
			mm, err = q.Get()
			if err == bstore.ErrAbsent {
				return errSkipMailbox
			} else if err != nil {
				return fmt.Errorf("lookup identity row: %v", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		old := mm.FlagSet()
		new := ApplyFlags(old, req, mode)
		if new.Equal(old) {
			result = mm
			return nil
		}

		// Write phase: conditional on the row still being what was read. A
		// vanished mailbox or row, or a row modified in between, is a
		// concurrent deletion/update and retried from the read phase.
		readModSeq := mm.ModSeq
		return s.DB.Write(ctx, func(tx *bstore.Tx) error {
			mb, err := s.MailboxByID(tx, mailboxID)
			if err != nil {
				return fmt.Errorf("%w: mailbox %d", ErrConcurrentDeletion, mailboxID)
			}
			cur := MailboxMessage{ID: mm.ID}
			if err := tx.Get(&cur); err == bstore.ErrAbsent {
				return fmt.Errorf("%w: message row", ErrConcurrentDeletion)
			} else if err != nil {
				return fmt.Errorf("get message row: %w", err)
			}
			if cur.ModSeq != readModSeq || cur.MessageID != messageID {
				return fmt.Errorf("%w: message row changed", ErrConcurrentDeletion)
			}

			modseq, err := s.nextModSeq(tx, mb.ID)
			if err != nil {
				return err
			}
			mb, err = s.MailboxByID(tx, mb.ID)
			if err != nil {
				return err
			}
			m := Message{ID: messageID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}

			mb.Sub(cur.counts(m.Size))
			cur.setFlagSet(new)
			cur.ModSeq = modseq
			mb.Add(cur.counts(m.Size))
			mb.Keywords, _ = MergeKeywords(mb.Keywords, new.Keywords)
			if err := tx.Update(&cur); err != nil {
				return fmt.Errorf("updating message flags: %w", err)
			}
			if err := tx.Update(&mb); err != nil {
				return fmt.Errorf("updating mailbox: %w", err)
			}

			result = cur
			changes = append(changes,
				ChangeFlags{MailboxID: mb.ID, UID: cur.UID, ModSeq: modseq, MessageID: messageID, Flags: new},
				ChangeMailboxCounts{MailboxID: mb.ID, Path: mb.Path(), MailboxCounts: mb.MailboxCounts},
			)
			return nil
		})
	})
	return result, changes, err
}

// MessageMoves is the delta of a SetInMailboxes call: which mailboxes the
// identity entered, left, and stayed in.
type MessageMoves struct {
	Added   []int64
	Removed []int64
	Kept    []int64
}

// Any returns whether the call changed anything.
func (mv MessageMoves) Any() bool {
	return len(mv.Added) > 0 || len(mv.Removed) > 0
}

// SetInMailboxes places the identity in exactly the target mailboxes:
// entering targets it is not yet in, leaving the others, keeping the rest
// untouched. Rights per mailbox: Read on every final target, additionally
// Insert to enter, and DeleteMessages to leave. Quota is netted per root
// before anything is written, so a move within one root passes regardless
// of ceilings. Flags carry over to an
// entered mailbox only with the Write right there. If the session cannot see
// the identity in any mailbox, the call is a logged no-op. One ChangeMove is
// broadcast per call that changed anything, along with the per-mailbox
// changes. Leaving the last mailbox destroys the identity; pre-deletion
// hooks run first.
func (s *Store) SetInMailboxes(ctx context.Context, log *mlog.Log, ses Session, messageID string, targets []int64) (MessageMoves, error) {
	s.RLock()
	defer s.RUnlock()

	// Plan phase: delta and rights, metadata for hooks if this destroys the
	// identity.
	var moves MessageMoves
	var current []MailboxMessage
	var hookDeleted []DeletedMessage
	destroying := false
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		current, err = mailboxesContaining(tx, messageID)
		if err != nil {
			return err
		}
		// Absent entirely is treated like not visible: the caller may be
		// racing a concurrent deletion.
		if len(current) == 0 {
			return errSkipMailbox
		}

		visible := false
		for _, mm := range current {
			mb, err := s.MailboxByID(tx, mm.MailboxID)
			if err != nil {
				return err
			}
			if resolveRights(ses, mb).Read {
				visible = true
				break
			}
		}
		if !visible {
			return errSkipMailbox
		}

		curIDs := make([]int64, len(current))
		for i, mm := range current {
			curIDs[i] = mm.MailboxID
		}
		for _, id := range targets {
			if slices.Contains(curIDs, id) {
				moves.Kept = append(moves.Kept, id)
			} else {
				moves.Added = append(moves.Added, id)
			}
		}
		for _, id := range curIDs {
			if !slices.Contains(targets, id) {
				moves.Removed = append(moves.Removed, id)
			}
		}

		// Read is needed on the whole final target set, entered mailboxes
		// additionally need Insert.
		for _, id := range moves.Added {
			mb, err := s.MailboxByID(tx, id)
			if err != nil {
				return err
			}
			if err := s.requireRights(ses, mb, Rights{Insert: true, Read: true}); err != nil {
				return err
			}
		}
		for _, id := range moves.Kept {
			mb, err := s.MailboxByID(tx, id)
			if err != nil {
				return err
			}
			if err := s.requireRights(ses, mb, Rights{Read: true}); err != nil {
				return err
			}
		}
		for _, id := range moves.Removed {
			mb, err := s.MailboxByID(tx, id)
			if err != nil {
				return err
			}
			if err := s.requireRights(ses, mb, Rights{DeleteMessages: true}); err != nil {
				return err
			}
		}

		destroying = len(moves.Added) == 0 && len(moves.Kept) == 0 && len(moves.Removed) > 0
		if destroying {
			for _, mm := range current {
				mb, err := s.MailboxByID(tx, mm.MailboxID)
				if err != nil {
					return err
				}
				d, err := s.gatherDeleted(tx, mb, []UID{mm.UID})
				if err != nil {
					return err
				}
				hookDeleted = append(hookDeleted, d...)
			}
		}
		return nil
	})
	if err == errSkipMailbox {
		log.Info("identity not present in any visible mailbox, leaving mailboxes unchanged", mlog.Field("message", messageID), mlog.Field("principal", ses.Principal))
		return MessageMoves{}, nil
	} else if err != nil {
		return MessageMoves{}, err
	}
	if !moves.Any() {
		return moves, nil
	}

	if destroying {
		s.runPreDeletionHooks(ctx, log, hookDeleted)
	}

	var changes []Change
	var orphanBlob BlobRef
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Message{ID: messageID}
		if err := tx.Get(&m); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: identity %s", ErrMessageAbsent, messageID)
		} else if err != nil {
			return fmt.Errorf("get message identity: %w", err)
		}

		// Quota nets out per root before any write.
		netCount := map[QuotaRoot]int64{}
		netSize := map[QuotaRoot]int64{}
		for _, id := range moves.Added {
			mb, err := s.MailboxByID(tx, id)
			if err != nil {
				return err
			}
			netCount[mb.QuotaRoot()]++
			netSize[mb.QuotaRoot()] += m.Size
		}
		for _, id := range moves.Removed {
			mb, err := s.MailboxByID(tx, id)
			if err != nil {
				return err
			}
			netCount[mb.QuotaRoot()]--
			netSize[mb.QuotaRoot()] -= m.Size
		}
		for root := range netCount {
			if err := s.checkQuota(ctx, tx, root, netCount[root], netSize[root]); err != nil {
				return err
			}
		}

		// A row to take flags from when entering a mailbox.
		srcFlags := current[0].FlagSet()

		for _, id := range moves.Added {
			mb, err := s.MailboxByID(tx, id)
			if err != nil {
				return err
			}
			uid, err := s.nextUID(tx, mb.ID)
			if err != nil {
				return err
			}
			modseq, err := s.nextModSeq(tx, mb.ID)
			if err != nil {
				return err
			}
			mb, err = s.MailboxByID(tx, mb.ID)
			if err != nil {
				return err
			}
			nmm := MailboxMessage{
				MailboxID: mb.ID,
				UID:       uid,
				MessageID: messageID,
				ModSeq:    modseq,
				SavedAt:   m.SavedAt,
			}
			if resolveRights(ses, mb).Write {
				nmm.Flags = srcFlags.Flags
				nmm.Keywords = srcFlags.Keywords
				mb.Keywords, _ = MergeKeywords(mb.Keywords, srcFlags.Keywords)
			}
			if err := tx.Insert(&nmm); err != nil {
				return fmt.Errorf("storing message in mailbox: %w", err)
			}
			mb.Add(nmm.counts(m.Size))
			if err := tx.Update(&mb); err != nil {
				return fmt.Errorf("updating mailbox: %w", err)
			}
			changes = append(changes,
				ChangeAddUID{MailboxID: mb.ID, UID: uid, ModSeq: modseq, MessageID: messageID, Flags: nmm.FlagSet()},
				ChangeMailboxCounts{MailboxID: mb.ID, Path: mb.Path(), MailboxCounts: mb.MailboxCounts},
			)
		}

		for _, id := range moves.Removed {
			mb, err := s.MailboxByID(tx, id)
			if err != nil {
				return err
			}
			q := bstore.QueryTx[MailboxMessage](tx)
			q.FilterNonzero(MailboxMessage{MailboxID: id, MessageID: messageID})
			mm, err := q.Get()
			if err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return fmt.Errorf("lookup identity row: %v", err)
			}
			modseq, err := s.nextModSeq(tx, mb.ID)
			if err != nil {
				return err
			}
			mb, err = s.MailboxByID(tx, mb.ID)
			if err != nil {
				return err
			}
			if err := tx.Delete(&mm); err != nil {
				return fmt.Errorf("removing message from mailbox: %w", err)
			}
			mb.Sub(mm.counts(m.Size))
			if err := tx.Update(&mb); err != nil {
				return fmt.Errorf("updating mailbox: %w", err)
			}
			changes = append(changes,
				ChangeRemoveUIDs{MailboxID: mb.ID, UIDs: []UID{mm.UID}, ModSeq: modseq, MessageIDs: []string{messageID}},
				ChangeMailboxCounts{MailboxID: mb.ID, Path: mb.Path(), MailboxCounts: mb.MailboxCounts},
			)
		}

		n, err := refCount(tx, messageID)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := tx.Delete(&Message{ID: messageID}); err != nil {
				return fmt.Errorf("deleting message identity: %w", err)
			}
			orphanBlob = m.Blob
		}

		changes = append(changes, ChangeMove{MessageID: messageID, Added: moves.Added, Removed: moves.Removed, Kept: moves.Kept})
		return nil
	})
	if err != nil {
		return MessageMoves{}, err
	}
	if orphanBlob != "" {
		err := s.Blobs.Remove(log, orphanBlob)
		log.Check(err, "removing content of destroyed identity")
	}
	s.BroadcastChanges(changes)
	return moves, nil
}

// DeleteResult is the outcome of DeleteMessageIDs per identity.
type DeleteResult struct {
	Destroyed []string // Removed everywhere, identity and content gone.
	NotFound  []string // Unknown identity.
}

// DeleteMessageIDs removes the identities from every mailbox where the
// session holds the DeleteMessages right. Pre-deletion hooks run for the
// accessible rows before anything is removed. Identities still referenced
// from inaccessible mailboxes survive with those references intact and are
// reported in neither list.
func (s *Store) DeleteMessageIDs(ctx context.Context, log *mlog.Log, ses Session, ids []string) (DeleteResult, error) {
	s.RLock()
	defer s.RUnlock()

	var result DeleteResult

	// Partition into accessible rows and unknown identities.
	type target struct {
		mm   MailboxMessage
		mb   Mailbox
		size int64
		blob BlobRef
	}
	var targets []target
	var hookDeleted []DeletedMessage
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		for _, id := range ids {
			m := Message{ID: id}
			if err := tx.Get(&m); err == bstore.ErrAbsent {
				result.NotFound = append(result.NotFound, id)
				continue
			} else if err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}
			rows, err := mailboxesContaining(tx, id)
			if err != nil {
				return err
			}
			for _, mm := range rows {
				mb, err := s.MailboxByID(tx, mm.MailboxID)
				if err != nil {
					return err
				}
				if s.requireRights(ses, mb, Rights{DeleteMessages: true}) != nil {
					continue
				}
				targets = append(targets, target{mm, mb, m.Size, m.Blob})
				hookDeleted = append(hookDeleted, DeletedMessage{
					MessageID: id,
					MailboxID: mb.ID,
					Path:      mb.Path(),
					Owner:     mb.Owner,
					UID:       mm.UID,
					ModSeq:    mm.ModSeq,
					Flags:     mm.FlagSet(),
					Size:      m.Size,
					Blob:      m.Blob,
				})
			}
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	if len(targets) == 0 {
		return result, nil
	}

	s.runPreDeletionHooks(ctx, log, hookDeleted)

	var changes []Change
	var orphanBlobs []BlobRef
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		modseqs := map[int64]ModSeq{}
		removed := map[int64][]UID{}
		removedIDs := map[int64][]string{}
		for _, t := range targets {
			// Row may be gone since gathering; the transaction decides.
			cur := MailboxMessage{ID: t.mm.ID}
			if err := tx.Get(&cur); err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return fmt.Errorf("get message row: %w", err)
			}

			modseq, ok := modseqs[t.mb.ID]
			if !ok {
				var err error
				modseq, err = s.nextModSeq(tx, t.mb.ID)
				if err != nil {
					return err
				}
				modseqs[t.mb.ID] = modseq
			}
			if err := tx.Delete(&cur); err != nil {
				return fmt.Errorf("deleting message row: %w", err)
			}
			mb, err := s.MailboxByID(tx, t.mb.ID)
			if err != nil {
				return err
			}
			mb.Sub(cur.counts(t.size))
			if err := tx.Update(&mb); err != nil {
				return fmt.Errorf("updating mailbox counts: %w", err)
			}
			removed[mb.ID] = append(removed[mb.ID], cur.UID)
			removedIDs[mb.ID] = append(removedIDs[mb.ID], cur.MessageID)
		}

		for mbID, uids := range removed {
			mb, err := s.MailboxByID(tx, mbID)
			if err != nil {
				return err
			}
			changes = append(changes,
				ChangeRemoveUIDs{MailboxID: mbID, UIDs: uids, ModSeq: modseqs[mbID], MessageIDs: removedIDs[mbID]},
				ChangeMailboxCounts{MailboxID: mbID, Path: mb.Path(), MailboxCounts: mb.MailboxCounts},
			)
		}

		for _, id := range ids {
			if slices.Contains(result.NotFound, id) {
				continue
			}
			n, err := refCount(tx, id)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			m := Message{ID: id}
			if err := tx.Get(&m); err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}
			if err := tx.Delete(&m); err != nil {
				return fmt.Errorf("deleting message identity: %w", err)
			}
			orphanBlobs = append(orphanBlobs, m.Blob)
			result.Destroyed = append(result.Destroyed, id)
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	for _, ref := range orphanBlobs {
		err := s.Blobs.Remove(log, ref)
		log.Check(err, "removing content of destroyed identity")
	}
	s.BroadcastChanges(changes)
	return result, nil
}
