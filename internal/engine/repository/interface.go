// Package repository holds the engine's collaborator contracts and their MySQL implementations.
package repository

import (
	"context"
	"encoding/json"
	"io"

	"flowrunner/internal/engine/model"
)

// VersionStore looks up immutable flow and collection snapshots.
type VersionStore interface {
	GetFlowVersion(ctx context.Context, id string) (*model.FlowVersion, error)
	GetCollectionVersion(ctx context.Context, id string) (*model.CollectionVersion, error)
}

// RunLogRepository persists run records together with the engine's execution state.
type RunLogRepository interface {
	CreateOrUpdate(ctx context.Context, run *model.RunRecord, state json.RawMessage) (*model.RunRecord, error)
	GetByID(ctx context.Context, id string) (*model.RunRecord, error)
}

// FileStore holds uploaded source archives.
type FileStore interface {
	GetFileByID(ctx context.Context, id string) (*model.File, error)
	// Save stores a new file and drops previousID, if any, once the new one is written.
	Save(ctx context.Context, previousID, name string, r io.Reader) (*model.File, error)
}
