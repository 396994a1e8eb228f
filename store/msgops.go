package store

import (
	"context"
	"fmt"

	"github.com/mjl-/bstore"

	"github.com/evermail/mailstore/mlog"
)

// gatherDeleted collects the metadata of messages about to be removed from
// the mailbox, for pre-deletion hooks and for returning to the caller. With
// uids nil, all messages of the mailbox are gathered.
func (s *Store) gatherDeleted(tx *bstore.Tx, mb Mailbox, uids []UID) ([]DeletedMessage, error) {
	q := bstore.QueryTx[MailboxMessage](tx)
	q.FilterNonzero(MailboxMessage{MailboxID: mb.ID})
	if uids != nil {
		q.FilterFn(func(mm MailboxMessage) bool {
			for _, uid := range uids {
				if mm.UID == uid {
					return true
				}
			}
			return false
		})
	}
	q.SortAsc("UID")
	msgs, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing messages for deletion: %v", err)
	}

	deleted := make([]DeletedMessage, 0, len(msgs))
	for _, mm := range msgs {
		m := Message{ID: mm.MessageID}
		if err := tx.Get(&m); err != nil {
			return nil, fmt.Errorf("get message identity %s: %w", mm.MessageID, err)
		}
		deleted = append(deleted, DeletedMessage{
			MessageID: mm.MessageID,
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
	return deleted, nil
}

// DeleteMessages removes the given UIDs from the mailbox, returning the
// metadata of what was removed. Pre-deletion hooks run first, with the rows
// still intact. UIDs not present are skipped silently. Message identities
// that end up unreferenced are removed along with their content. Requires
// the DeleteMessages right.
func (s *Store) DeleteMessages(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64, uids []UID) ([]DeletedMessage, error) {
	s.RLock()
	defer s.RUnlock()

	var mb Mailbox
	var deleted []DeletedMessage
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{DeleteMessages: true}); err != nil {
			return err
		}
		deleted, err = s.gatherDeleted(tx, mb, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}

	s.runPreDeletionHooks(ctx, log, deleted)

	var removed []DeletedMessage
	var changes []Change
	var orphanBlobs []BlobRef
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		removed = nil
		mb, err := s.MailboxByID(tx, mailboxID)
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

		removedUIDs := make([]UID, 0, len(deleted))
		msgids := make([]string, 0, len(deleted))
		for _, d := range deleted {
			// Rows can have changed since gathering, the delete is decided here:
			// only rows actually removed end up in the result.
			mm, err := messageByUID(tx, mb.ID, d.UID)
			if err != nil {
				continue
			}
			if err := tx.Delete(&mm); err != nil {
				return fmt.Errorf("deleting message row: %w", err)
			}
			mb.Sub(mm.counts(d.Size))
			d.ModSeq = modseq
			removed = append(removed, d)
			removedUIDs = append(removedUIDs, d.UID)
			msgids = append(msgids, d.MessageID)

			n, err := refCount(tx, d.MessageID)
			if err != nil {
				return err
			}
			if n == 0 {
				if err := tx.Delete(&Message{ID: d.MessageID}); err != nil {
					return fmt.Errorf("deleting message identity: %w", err)
				}
				orphanBlobs = append(orphanBlobs, d.Blob)
			}
		}
		if len(removedUIDs) == 0 {
			return nil
		}

		if err := tx.Update(&mb); err != nil {
			return fmt.Errorf("updating mailbox counts: %w", err)
		}
		changes = append(changes,
			ChangeRemoveUIDs{MailboxID: mb.ID, UIDs: removedUIDs, ModSeq: modseq, MessageIDs: msgids},
			ChangeMailboxCounts{MailboxID: mb.ID, Path: mb.Path(), MailboxCounts: mb.MailboxCounts},
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Blobs only after commit: a dangling row is worse than an orphaned blob.
	for _, ref := range orphanBlobs {
		err := s.Blobs.Remove(log, ref)
		log.Check(err, "removing content of deleted message")
	}
	s.BroadcastChanges(changes)
	return removed, nil
}

// UpdateFlags changes flags/keywords on all messages in the UID range,
// per mode replacing, adding or removing the requested set. All rows changed
// by one call share one fresh modification sequence; rows already in the
// requested state are returned unchanged with their existing sequence. New
// keywords are recorded on the mailbox. Requires the Write right.
func (s *Store) UpdateFlags(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64, r UIDRange, req FlagSet, mode FlagsMode) ([]MailboxMessage, error) {
	for _, kw := range req.Keywords {
		if !ValidLowercaseKeyword(kw) {
			return nil, fmt.Errorf("invalid keyword %q", kw)
		}
	}

	var result []MailboxMessage
	var changes []Change
	s.RLock()
	defer s.RUnlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Write: true}); err != nil {
			return err
		}

		msgs, err := messagesInRange(tx, mailboxID, r)
		if err != nil {
			return err
		}

		// Lazily allocated: a call that changes nothing allocates nothing.
		var modseq ModSeq
		countsChanged := false
		for i := range msgs {
			mm := &msgs[i]
			old := mm.FlagSet()
			new := ApplyFlags(old, req, mode)
			if new.Equal(old) {
				result = append(result, *mm)
				continue
			}
			if modseq == 0 {
				modseq, err = s.nextModSeq(tx, mb.ID)
				if err != nil {
					return err
				}
				mb, err = s.MailboxByID(tx, mb.ID)
				if err != nil {
					return err
				}
			}
			m := Message{ID: mm.MessageID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}
			mb.Sub(mm.counts(m.Size))
			mm.setFlagSet(new)
			mm.ModSeq = modseq
			mb.Add(mm.counts(m.Size))
			countsChanged = true
			if err := tx.Update(mm); err != nil {
				return fmt.Errorf("updating message flags: %w", err)
			}

			mb.Keywords, _ = MergeKeywords(mb.Keywords, new.Keywords)

			result = append(result, *mm)
			changes = append(changes, ChangeFlags{MailboxID: mb.ID, UID: mm.UID, ModSeq: modseq, MessageID: mm.MessageID, Flags: new})
		}

		if modseq != 0 {
			if err := tx.Update(&mb); err != nil {
				return fmt.Errorf("updating mailbox: %w", err)
			}
			if countsChanged {
				changes = append(changes, ChangeMailboxCounts{MailboxID: mb.ID, Path: mb.Path(), MailboxCounts: mb.MailboxCounts})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.BroadcastChanges(changes)
	return result, nil
}

// CopyMessages copies the given UIDs from one mailbox to another. The
// message identities are shared, only new mailbox rows with fresh UIDs are
// created in the destination. Flags and keywords carry over only when the
// session holds the Write right on the destination; without it they are
// cleared. Large copies are split into batches, each committed and broadcast
// separately. Requires Read on the source and Insert on the destination, and
// counts against the destination's quota root.
func (s *Store) CopyMessages(ctx context.Context, log *mlog.Log, ses Session, srcID, dstID int64, uids []UID) ([]MailboxMessage, error) {
	if srcID == dstID {
		return nil, fmt.Errorf("cannot copy messages to their own mailbox")
	}
	var created []MailboxMessage
	for _, batch := range Batches(uids, s.Limits.CopyBatchSize) {
		l, err := s.copyBatch(ctx, log, ses, srcID, dstID, batch)
		if err != nil {
			return created, err
		}
		created = append(created, l...)
	}
	return created, nil
}

func (s *Store) copyBatch(ctx context.Context, log *mlog.Log, ses Session, srcID, dstID int64, uids []UID) ([]MailboxMessage, error) {
	var created []MailboxMessage
	var changes []Change
	s.RLock()
	defer s.RUnlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		src, err := s.MailboxByID(tx, srcID)
		if err != nil {
			return err
		}
		dst, err := s.MailboxByID(tx, dstID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, src, Rights{Read: true}); err != nil {
			return err
		}
		if err := s.requireRights(ses, dst, Rights{Insert: true}); err != nil {
			return err
		}
		keepFlags := resolveRights(ses, dst).Write

		var msgs []MailboxMessage
		var addSize int64
		for _, uid := range uids {
			mm, err := messageByUID(tx, srcID, uid)
			if err != nil {
				return err
			}
			m := Message{ID: mm.MessageID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}
			addSize += m.Size
			msgs = append(msgs, mm)
		}
		if len(msgs) == 0 {
			return nil
		}
		if err := s.checkQuota(ctx, tx, dst.QuotaRoot(), int64(len(msgs)), addSize); err != nil {
			return err
		}

		newUIDs, err := s.nextUIDs(tx, dst.ID, len(msgs))
		if err != nil {
			return err
		}
		modseq, err := s.nextModSeq(tx, dst.ID)
		if err != nil {
			return err
		}
		dst, err = s.MailboxByID(tx, dst.ID)
		if err != nil {
			return err
		}

		for i, mm := range msgs {
			m := Message{ID: mm.MessageID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}
			nmm := MailboxMessage{
				MailboxID: dst.ID,
				UID:       newUIDs[i],
				MessageID: mm.MessageID,
				ModSeq:    modseq,
				SavedAt:   mm.SavedAt,
			}
			if keepFlags {
				nmm.Flags = mm.Flags
				nmm.Keywords = mm.Keywords
				dst.Keywords, _ = MergeKeywords(dst.Keywords, mm.Keywords)
			}
			if err := tx.Insert(&nmm); err != nil {
				return fmt.Errorf("storing copied message: %w", err)
			}
			dst.Add(nmm.counts(m.Size))
			created = append(created, nmm)
			changes = append(changes, ChangeAddUID{MailboxID: dst.ID, UID: nmm.UID, ModSeq: modseq, MessageID: nmm.MessageID, Flags: nmm.FlagSet()})
		}
		if err := tx.Update(&dst); err != nil {
			return fmt.Errorf("updating destination mailbox: %w", err)
		}
		changes = append(changes, ChangeMailboxCounts{MailboxID: dst.ID, Path: dst.Path(), MailboxCounts: dst.MailboxCounts})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.BroadcastChanges(changes)
	return created, nil
}

// MoveMessages moves the given UIDs from one mailbox to another: fresh UIDs
// in the destination, removal from the source, identity and flags unchanged.
// A move within one quota root never trips quota. Requires Read and
// DeleteMessages on the source and Insert on the destination. Pre-deletion
// hooks do not run, the messages continue to exist.
func (s *Store) MoveMessages(ctx context.Context, log *mlog.Log, ses Session, srcID, dstID int64, uids []UID) ([]MailboxMessage, error) {
	if srcID == dstID {
		return nil, fmt.Errorf("cannot move messages to their own mailbox")
	}
	var created []MailboxMessage
	for _, batch := range Batches(uids, s.Limits.CopyBatchSize) {
		l, err := s.moveBatch(ctx, log, ses, srcID, dstID, batch)
		if err != nil {
			return created, err
		}
		created = append(created, l...)
	}
	return created, nil
}

func (s *Store) moveBatch(ctx context.Context, log *mlog.Log, ses Session, srcID, dstID int64, uids []UID) ([]MailboxMessage, error) {
	var created []MailboxMessage
	var changes []Change
	s.RLock()
	defer s.RUnlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		src, err := s.MailboxByID(tx, srcID)
		if err != nil {
			return err
		}
		dst, err := s.MailboxByID(tx, dstID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, src, Rights{Read: true, DeleteMessages: true}); err != nil {
			return err
		}
		if err := s.requireRights(ses, dst, Rights{Insert: true}); err != nil {
			return err
		}

		var msgs []MailboxMessage
		var moveSize int64
		for _, uid := range uids {
			mm, err := messageByUID(tx, srcID, uid)
			if err != nil {
				return err
			}
			m := Message{ID: mm.MessageID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}
			moveSize += m.Size
			msgs = append(msgs, mm)
		}
		if len(msgs) == 0 {
			return nil
		}
		// Within one root the move nets to zero and never trips quota.
		if src.QuotaRoot() != dst.QuotaRoot() {
			if err := s.checkQuota(ctx, tx, dst.QuotaRoot(), int64(len(msgs)), moveSize); err != nil {
				return err
			}
		}

		newUIDs, err := s.nextUIDs(tx, dst.ID, len(msgs))
		if err != nil {
			return err
		}
		dstModSeq, err := s.nextModSeq(tx, dst.ID)
		if err != nil {
			return err
		}
		srcModSeq, err := s.nextModSeq(tx, src.ID)
		if err != nil {
			return err
		}
		src, err = s.MailboxByID(tx, src.ID)
		if err != nil {
			return err
		}
		dst, err = s.MailboxByID(tx, dst.ID)
		if err != nil {
			return err
		}

		removedUIDs := make([]UID, 0, len(msgs))
		msgids := make([]string, 0, len(msgs))
		for i, mm := range msgs {
			m := Message{ID: mm.MessageID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message identity: %w", err)
			}
			if err := tx.Delete(&mm); err != nil {
				return fmt.Errorf("removing message from source: %w", err)
			}
			src.Sub(mm.counts(m.Size))
			removedUIDs = append(removedUIDs, mm.UID)
			msgids = append(msgids, mm.MessageID)

			nmm := MailboxMessage{
				MailboxID: dst.ID,
				UID:       newUIDs[i],
				MessageID: mm.MessageID,
				ModSeq:    dstModSeq,
				Flags:     mm.Flags,
				Keywords:  mm.Keywords,
				SavedAt:   mm.SavedAt,
			}
			if err := tx.Insert(&nmm); err != nil {
				return fmt.Errorf("storing moved message: %w", err)
			}
			dst.Add(nmm.counts(m.Size))
			dst.Keywords, _ = MergeKeywords(dst.Keywords, mm.Keywords)
			created = append(created, nmm)
			changes = append(changes, ChangeAddUID{MailboxID: dst.ID, UID: nmm.UID, ModSeq: dstModSeq, MessageID: nmm.MessageID, Flags: nmm.FlagSet()})
		}

		if err := tx.Update(&src); err != nil {
			return fmt.Errorf("updating source mailbox: %w", err)
		}
		if err := tx.Update(&dst); err != nil {
			return fmt.Errorf("updating destination mailbox: %w", err)
		}
		changes = append(changes,
			ChangeRemoveUIDs{MailboxID: src.ID, UIDs: removedUIDs, ModSeq: srcModSeq, MessageIDs: msgids},
			ChangeMailboxCounts{MailboxID: src.ID, Path: src.Path(), MailboxCounts: src.MailboxCounts},
			ChangeMailboxCounts{MailboxID: dst.ID, Path: dst.Path(), MailboxCounts: dst.MailboxCounts},
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.BroadcastChanges(changes)
	return created, nil
}
