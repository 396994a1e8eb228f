package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/evermail/mailstore/mlog"
)

// BlobRef identifies stored message content. Refs are opaque and never
// reused; multiple message identities can share one after copies.
type BlobRef string

// BlobStore holds immutable message content, addressed by BlobRef. The
// database rows reference blobs, never the other way around: an orphaned
// blob is harmless, a dangling ref is not, so blobs are written before the
// commit and removed after it.
type BlobStore interface {
	// Save stores the content of r and returns its ref and size.
	Save(log *mlog.Log, r io.Reader) (BlobRef, int64, error)
	// Open returns a reader for the blob, ErrAttachmentAbsent if unknown.
	Open(ref BlobRef) (io.ReadCloser, error)
	// Remove deletes the blob. Removing an unknown ref is not an error.
	Remove(log *mlog.Log, ref BlobRef) error
}

// FileBlobStore stores blobs as files under Dir, fanned out over
// subdirectories by ref prefix to keep directories small.
type FileBlobStore struct {
	Dir string
}

func (fs *FileBlobStore) path(ref BlobRef) string {
	return filepath.Join(fs.Dir, string(ref[:2]), string(ref))
}

func (fs *FileBlobStore) Save(log *mlog.Log, r io.Reader) (BlobRef, int64, error) {
	ref := BlobRef(uuid.New().String())
	p := fs.path(ref)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return "", 0, fmt.Errorf("creating blob directory: %w", err)
	}

	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return "", 0, fmt.Errorf("creating blob file: %w", err)
	}
	defer func() {
		if f != nil {
			err := f.Close()
			log.Check(err, "closing partial blob file")
			err = os.Remove(tmp)
			log.Check(err, "removing partial blob file")
		}
	}()

	size, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("writing blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		err2 := os.Remove(tmp)
		log.Check(err2, "removing partial blob file")
		return "", 0, fmt.Errorf("close blob: %w", err)
	}
	f = nil
	if err := os.Rename(tmp, p); err != nil {
		err2 := os.Remove(tmp)
		log.Check(err2, "removing partial blob file")
		return "", 0, fmt.Errorf("moving blob in place: %w", err)
	}
	syncDir(log, dir)
	return ref, size, nil
}

func (fs *FileBlobStore) Open(ref BlobRef) (io.ReadCloser, error) {
	if len(ref) < 2 {
		return nil, fmt.Errorf("%w: invalid ref %q", ErrAttachmentAbsent, ref)
	}
	f, err := os.Open(fs.path(ref))
	if err != nil && os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentAbsent, ref)
	} else if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (fs *FileBlobStore) Remove(log *mlog.Log, ref BlobRef) error {
	if len(ref) < 2 {
		return nil
	}
	err := os.Remove(fs.path(ref))
	if err != nil && os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("removing blob: %w", err)
	}
	syncDir(log, filepath.Dir(fs.path(ref)))
	return nil
}

// syncDir opens a directory and syncs its contents, logging rather than
// failing on errors: content is already durable in the file itself.
func syncDir(log *mlog.Log, dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Check(err, "open directory for sync")
		return
	}
	err = d.Sync()
	log.Check(err, "sync directory")
	err = d.Close()
	log.Check(err, "closing directory after sync")
}
