package localobj

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// chunkSize stays well under the 1 MiB value limit badger enforces in memory.
const chunkSize = 512 << 10

// blob is a body stored as raw chunks under "d/<id>\x00<index>".
type blob struct {
	ID     string `json:"id"`
	Chunks int    `json:"chunks"`
	Size   int64  `json:"size"`
}

func chunkKey(id string, i int) []byte { return []byte(fmt.Sprintf("d/%s\x00%08d", id, i)) }

// writeBlob streams r into a new blob and returns it with the hex MD5 of its
// contents. Chunks go through a write batch, which splits them across as many
// transactions as needed, so bodies larger than one badger transaction fit.
func (s *Store) writeBlob(r io.Reader) (blob, string, error) {
	b := blob{ID: uuid.NewString()}
	h := md5.New()
	wb := s.db.NewWriteBatch()
	buf := make([]byte, chunkSize)
	for r != nil {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			h.Write(buf[:n])
			if serr := wb.Set(chunkKey(b.ID, b.Chunks), append([]byte(nil), buf[:n]...)); serr != nil {
				wb.Cancel()
				return blob{}, "", serr
			}
			b.Chunks++
			b.Size += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			wb.Cancel()
			return blob{}, "", err
		}
	}
	if err := wb.Flush(); err != nil {
		return blob{}, "", fmt.Errorf("write blob %s: %w", b.ID, err)
	}
	return b, hex.EncodeToString(h.Sum(nil)), nil
}

// readBlobs appends the contents of bs, in order, to dst.
func readBlobs(txn *badger.Txn, dst []byte, bs []blob) ([]byte, error) {
	for _, b := range bs {
		for i := 0; i < b.Chunks; i++ {
			item, err := txn.Get(chunkKey(b.ID, i))
			if err != nil {
				return nil, fmt.Errorf("read blob %s chunk %d: %w", b.ID, i, err)
			}
			if err := item.Value(func(v []byte) error {
				dst = append(dst, v...)
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}
	return dst, nil
}

// copyObject duplicates the body of bucket/key into a new blob and returns it
// with the source record. Record and chunks are read from one snapshot.
func (s *Store) copyObject(bucket, key string) (record, blob, error) {
	var src record
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.db.View(func(txn *badger.Txn) error {
			var err error
			if src, err = s.get(txn, objectKey(bucket, key)); err != nil {
				return err
			}
			for _, b := range src.Blobs {
				for i := 0; i < b.Chunks; i++ {
					item, err := txn.Get(chunkKey(b.ID, i))
					if err != nil {
						return fmt.Errorf("read blob %s chunk %d: %w", b.ID, i, err)
					}
					if err := item.Value(func(v []byte) error {
						_, err := pw.Write(v)
						return err
					}); err != nil {
						return err
					}
				}
			}
			return nil
		}))
	}()
	b, _, err := s.writeBlob(pr)
	pr.CloseWithError(err)
	if err != nil {
		return record{}, blob{}, err
	}
	return src, b, nil
}

// dropBlobs deletes the chunks of bs. Callers have already unlinked them from
// any record, so a failure only leaks space.
func (s *Store) dropBlobs(bs []blob) error {
	if len(bs) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	for _, b := range bs {
		for i := 0; i < b.Chunks; i++ {
			if err := wb.Delete(chunkKey(b.ID, i)); err != nil {
				wb.Cancel()
				return err
			}
		}
	}
	return wb.Flush()
}
