package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/commercelab/spikes"
)

// CassandraStore is the alternate document store backend: one row per
// aggregate in a "documents" table, payload serialized as JSON text.
type CassandraStore struct {
	session  *gocql.Session
	keyspace string
}

// NewCassandraStore builds a CassandraStore over an open session.
func NewCassandraStore(session *gocql.Session, keyspace string) *CassandraStore {
	return &CassandraStore{
		session:  session,
		keyspace: keyspace,
	}
}

// EnsureSchema creates the documents table if missing.
func (s *CassandraStore) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.documents (id text PRIMARY KEY, payload text);", s.keyspace)
	return s.session.Query(stmt).WithContext(ctx).Exec()
}

// Get fetches the document; found=false when the row is absent.
func (s *CassandraStore) Get(ctx context.Context, id string) (bool, spikes.Document, error) {
	var doc spikes.Document
	var payload string
	stmt := fmt.Sprintf("SELECT payload FROM %s.documents WHERE id = ?;", s.keyspace)
	err := s.session.Query(stmt, id).WithContext(ctx).Scan(&payload)
	if err == gocql.ErrNotFound {
		return false, doc, nil
	}
	if err != nil {
		return false, doc, spikes.MarkTransient(fmt.Errorf("reading document %s: %w", id, err))
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return false, doc, fmt.Errorf("unmarshaling document %s: %w", id, err)
	}
	return true, doc, nil
}

// Upsert writes the document, fully replacing any prior value.
func (s *CassandraStore) Upsert(ctx context.Context, doc spikes.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document %s: %w", doc.ID, err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s.documents (id, payload) VALUES(?,?);", s.keyspace)
	if err := s.session.Query(stmt, doc.ID, string(payload)).WithContext(ctx).Exec(); err != nil {
		return spikes.MarkTransient(fmt.Errorf("writing document %s: %w", doc.ID, err))
	}
	return nil
}

// Delete removes the document; deleting an absent row is a no-op.
func (s *CassandraStore) Delete(ctx context.Context, id string) error {
	stmt := fmt.Sprintf("DELETE FROM %s.documents WHERE id = ?;", s.keyspace)
	if err := s.session.Query(stmt, id).WithContext(ctx).Exec(); err != nil {
		return spikes.MarkTransient(fmt.Errorf("deleting document %s: %w", id, err))
	}
	return nil
}
