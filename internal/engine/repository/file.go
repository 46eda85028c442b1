package repository

import (
	"bytes"
	"context"
	"io"

	"flowrunner/internal/common/db"
	"flowrunner/internal/engine/model"
	appErr "flowrunner/pkg/errors"

	"github.com/google/uuid"
)

// DefaultMaxFileSize caps uploaded archives.
const DefaultMaxFileSize = 32 << 20

// digestKey is the unique index on files.digest.
const digestKey = "files.uniq_digest"

// MySQLFileStore keeps uploaded archives in the files table.
type MySQLFileStore struct {
	db      db.Querier
	maxSize int64
}

// NewFileStore creates a MySQL-backed FileStore. maxSize <= 0 uses DefaultMaxFileSize.
func NewFileStore(database db.Querier, maxSize int64) *MySQLFileStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &MySQLFileStore{db: database, maxSize: maxSize}
}

func (s *MySQLFileStore) GetFileByID(ctx context.Context, id string) (*model.File, error) {
	if id == "" {
		return nil, appErr.ValidationError("file_id", "required")
	}
	query := "SELECT id, name, digest, size, data FROM files WHERE id = ? LIMIT 1"
	f := &model.File{}
	if err := s.db.QueryRow(ctx, query, id).Scan(&f.ID, &f.Name, &f.Digest, &f.Size, &f.Data); err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.FileNotFound, "file %s not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query file failed")
	}
	return f, nil
}

func (s *MySQLFileStore) Save(ctx context.Context, previousID, name string, r io.Reader) (*model.File, error) {
	if r == nil {
		return nil, appErr.ValidationError("file", "required")
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "read upload failed")
	}
	if int64(len(data)) > s.maxSize {
		return nil, appErr.ValidationError("file", "file too large")
	}
	if len(data) == 0 {
		return nil, appErr.ValidationError("file", "file is empty")
	}
	digest, err := model.BundleNameFor(bytes.NewReader(data))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "digest upload failed")
	}

	f := &model.File{
		ID:     uuid.NewString(),
		Name:   name,
		Digest: digest,
		Size:   int64(len(data)),
		Data:   data,
	}
	if _, err := s.db.Exec(ctx, "INSERT INTO files (id, name, digest, size, data) VALUES (?, ?, ?, ?, ?)",
		f.ID, f.Name, f.Digest, f.Size, f.Data); err != nil {
		key, dup := db.UniqueViolation(err)
		if !dup || key != digestKey {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "insert file failed")
		}
		// Identical content was uploaded before; reuse that row.
		existing, err := s.getByDigest(ctx, digest)
		if err != nil {
			return nil, err
		}
		f = existing
	}
	if previousID != "" && previousID != f.ID {
		if _, err := s.db.Exec(ctx, "DELETE FROM files WHERE id = ?", previousID); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "delete previous file %s failed", previousID)
		}
	}
	return f, nil
}

func (s *MySQLFileStore) getByDigest(ctx context.Context, digest string) (*model.File, error) {
	query := "SELECT id, name, digest, size, data FROM files WHERE digest = ? LIMIT 1"
	f := &model.File{}
	if err := s.db.QueryRow(ctx, query, digest).Scan(&f.ID, &f.Name, &f.Digest, &f.Size, &f.Data); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query file by digest failed")
	}
	return f, nil
}
