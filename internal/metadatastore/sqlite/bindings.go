package sqlite

import (
	"context"
	"fmt"

	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// RegisterTableBinding upserts the object a table is bound to at an image.
func (s *Store) RegisterTableBinding(ctx context.Context, t metadatastore.Tx, binding types.TableBinding) error {
	schemaJSON, err := encodeSchema(binding.Schema)
	if err != nil {
		return err
	}
	exec := s.exec(t)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO tables (namespace, repository, image_hash, table_name, schema_json, object_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, repository, image_hash, table_name)
		DO UPDATE SET schema_json = excluded.schema_json, object_id = excluded.object_id
	`, binding.Namespace, binding.Repository, binding.ImageHash, binding.TableName, schemaJSON, binding.ObjectID)
	if err != nil {
		return wrapDBError("register table binding", err)
	}
	return nil
}

// GetTableBinding returns the object a table is bound to at an image.
func (s *Store) GetTableBinding(ctx context.Context, t metadatastore.Tx, namespace, repository, imageHash, table string) (*types.TableBinding, error) {
	exec := s.exec(t)
	row := exec.QueryRowContext(ctx, `
		SELECT namespace, repository, image_hash, table_name, schema_json, object_id
		FROM tables WHERE namespace = ? AND repository = ? AND image_hash = ? AND table_name = ?
	`, namespace, repository, imageHash, table)

	var (
		binding    types.TableBinding
		schemaJSON string
	)
	if err := row.Scan(&binding.Namespace, &binding.Repository, &binding.ImageHash, &binding.TableName, &schemaJSON, &binding.ObjectID); err != nil {
		return nil, wrapDBError(fmt.Sprintf("get table binding %s/%s@%s:%s", namespace, repository, imageHash, table), err)
	}
	schema, err := decodeSchema(schemaJSON)
	if err != nil {
		return nil, err
	}
	binding.Schema = schema
	return &binding, nil
}
