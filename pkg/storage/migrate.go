package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var schemaInfoKey = []byte("schema_version")

// migrationStep is one entry in the strictly ordered list the migrator
// walks forward from the database's recorded version. Each step is wrapped
// in its own transaction and recorded in the schema_version log on success.
type migrationStep struct {
	From        string
	To          string
	Description string
}

// schemaMigrations is the forward path a fresh database walks on first
// open, mirroring the version history the source catalog's own migration
// manager recorded (1.0.0 through 1.0.4). Every step here is a no-op over
// the key layout this engine always uses; the chain exists so the recorded
// version and the append-only schema_version log carry the same history an
// incrementally upgraded deployment would have accumulated.
var schemaMigrations = []migrationStep{
	{From: "", To: "1.0.0", Description: "initial schema: nodes, edges, embeddings, graph metadata"},
	{From: "1.0.0", To: "1.0.1", Description: "add category secondary index"},
	{From: "1.0.1", To: "1.0.2", Description: "add update_history audit trail"},
	{From: "1.0.2", To: "1.0.3", Description: "add query_log observability table"},
	{From: "1.0.3", To: "1.0.4", Description: "add schema_version append-only log"},
}

// CurrentSchemaVersion is the version a freshly migrated database ends up
// recording.
const CurrentSchemaVersion = "1.0.4"

// requiredKeyspaces lists the prefixes schema verification checks for,
// standing in for the table list a relational implementation would verify.
var requiredKeyspaces = []byte{
	prefixNode, prefixEdge, prefixEmbeddingVector, prefixGraphMetadata,
	prefixQueryLog, prefixUpdateHistory,
}

// Migrator applies schemaMigrations forward from the database's recorded
// version to CurrentSchemaVersion. On open, a database whose schema cannot
// be verified afterward fails to open, per the fatal error class in the
// service's error handling design.
type Migrator struct {
	engine *BadgerEngine
}

// NewMigrator returns a Migrator bound to engine.
func NewMigrator(engine *BadgerEngine) *Migrator {
	return &Migrator{engine: engine}
}

// Migrate reads the recorded schema version, applies every pending step in
// its own transaction, and verifies the resulting schema.
func (m *Migrator) Migrate(ctx context.Context) error {
	current, err := m.readVersion()
	if err != nil {
		return err
	}

	for {
		step, ok := nextStep(current)
		if !ok {
			break
		}
		if err := m.applyStep(step); err != nil {
			return fmt.Errorf("applying migration %s -> %s: %w", step.From, step.To, err)
		}
		current = step.To
	}

	return m.verifySchema()
}

func nextStep(from string) (migrationStep, bool) {
	for _, step := range schemaMigrations {
		if step.From == from {
			return step, true
		}
	}
	return migrationStep{}, false
}

func (m *Migrator) readVersion() (string, error) {
	var version string
	err := m.engine.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(append([]byte{prefixSchemaInfo}, schemaInfoKey...))
		if getErr == badger.ErrKeyNotFound {
			version = ""
			return nil
		} else if getErr != nil {
			return getErr
		}
		return item.Value(func(v []byte) error {
			version = string(v)
			return nil
		})
	})
	if err != nil {
		return "", newError(FailureIOError, "reading schema version", err)
	}
	return version, nil
}

func (m *Migrator) applyStep(step migrationStep) error {
	seq, err := m.engine.db.GetSequence([]byte("seq:schema_version_log"), 1)
	if err != nil {
		return newError(FailureIOError, "allocating schema version log id", err)
	}
	defer seq.Release()
	id, err := seq.Next()
	if err != nil {
		return newError(FailureIOError, "allocating schema version log id", err)
	}

	record := struct {
		Version     string    `json:"version"`
		Description string    `json:"description"`
		AppliedAt   time.Time `json:"applied_at"`
	}{Version: step.To, Description: step.Description, AppliedAt: time.Now().UTC()}
	data, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return newError(FailureInvalidInput, "encoding schema version record", marshalErr)
	}

	return m.engine.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(append([]byte{prefixSchemaInfo}, schemaInfoKey...), []byte(step.To)); err != nil {
			return err
		}
		return txn.Set(beUint64Key(prefixSchemaVersionLog, id), data)
	})
}

// verifySchema fails when the recorded schema version is not
// CurrentSchemaVersion. It also probes every required keyspace prefix, but
// an empty keyspace is only logged (a fresh graph has empty keyspaces) and
// never fails verification.
func (m *Migrator) verifySchema() error {
	version, err := m.readVersion()
	if err != nil {
		return err
	}
	if version != CurrentSchemaVersion {
		return newError(FailureCorruptState, fmt.Sprintf("schema at version %q, expected %q", version, CurrentSchemaVersion), nil)
	}
	return m.engine.db.View(func(txn *badger.Txn) error {
		for _, prefix := range requiredKeyspaces {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			it.Seek([]byte{prefix})
			present := it.ValidForPrefix([]byte{prefix})
			it.Close()
			if !present {
				m.engine.logger.Printf("schema verify: keyspace %#x is empty (fresh graph, not a corruption signal)", prefix)
			}
		}
		return nil
	})
}

// schemaVersion reads the currently recorded schema version for diagnostics.
func (e *BadgerEngine) schemaVersion(ctx context.Context) (string, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var version string
	err = e.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(append([]byte{prefixSchemaInfo}, schemaInfoKey...))
		if getErr == badger.ErrKeyNotFound {
			return newError(FailureNotFound, "schema version not recorded", nil)
		} else if getErr != nil {
			return newError(FailureIOError, "reading schema version", getErr)
		}
		return item.Value(func(v []byte) error {
			version = string(v)
			return nil
		})
	})
	return version, err
}
