package repository

import (
	"context"
	"encoding/json"

	"flowrunner/internal/common/db"
	"flowrunner/internal/engine/model"
	appErr "flowrunner/pkg/errors"
)

// MySQLVersionStore reads version snapshots stored as JSON columns.
type MySQLVersionStore struct {
	db db.Querier
}

// NewVersionStore creates a MySQL-backed VersionStore.
func NewVersionStore(database db.Querier) *MySQLVersionStore {
	return &MySQLVersionStore{db: database}
}

func (r *MySQLVersionStore) GetFlowVersion(ctx context.Context, id string) (*model.FlowVersion, error) {
	if id == "" {
		return nil, appErr.ValidationError("flow_version_id", "required")
	}
	query := "SELECT id, flow_id, display_name, snapshot, code_artifacts FROM flow_versions WHERE id = ? LIMIT 1"
	v := &model.FlowVersion{}
	var snapshot, artifacts []byte
	if err := r.db.QueryRow(ctx, query, id).Scan(&v.ID, &v.FlowID, &v.DisplayName, &snapshot, &artifacts); err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.FlowVersionNotFound, "flow version %s not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query flow version failed")
	}
	v.Snapshot = json.RawMessage(snapshot)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &v.CodeArtifacts); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "decode code artifacts of %s failed", id)
		}
	}
	return v, nil
}

func (r *MySQLVersionStore) GetCollectionVersion(ctx context.Context, id string) (*model.CollectionVersion, error) {
	if id == "" {
		return nil, appErr.ValidationError("collection_version_id", "required")
	}
	query := "SELECT id, collection_id, project_id, snapshot, configs FROM collection_versions WHERE id = ? LIMIT 1"
	v := &model.CollectionVersion{}
	var snapshot, configs []byte
	if err := r.db.QueryRow(ctx, query, id).Scan(&v.ID, &v.CollectionID, &v.ProjectID, &snapshot, &configs); err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.CollectionVersionNotFound, "collection version %s not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query collection version failed")
	}
	v.Snapshot = json.RawMessage(snapshot)
	if len(configs) > 0 {
		if err := json.Unmarshal(configs, &v.Configs); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "decode configs of %s failed", id)
		}
	}
	return v, nil
}
