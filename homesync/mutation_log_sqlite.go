package homesync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqlite-backed mutation log. survives process restart: a crash between
// Mark(InFlight) and the server response leaves the mutation re-discoverable
// via RecoverInFlight.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mutations (
	mutation_id TEXT PRIMARY KEY,
	enqueue_seq INTEGER NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	payload TEXT,
	seen TEXT,
	base_version INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMP,
	conflict_id TEXT
);
CREATE INDEX IF NOT EXISTS mutations_entity ON mutations (entity_type, entity_id, enqueue_seq);
CREATE TABLE IF NOT EXISTS conflicts (
	conflict_id TEXT PRIMARY KEY,
	mutation TEXT NOT NULL,
	server_fields TEXT,
	server_version INTEGER NOT NULL,
	server_deleted INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	overridden_fields TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v INTEGER NOT NULL
);
`

type SqliteMutationStore struct {
	db *sql.DB

	// sqlite allows one writer. serialize all access so status transitions
	// are atomic with respect to concurrent workers.
	stateLock sync.Mutex
}

func OpenSqliteMutationStore(path string) (*SqliteMutationStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open mutation log: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate mutation log: %w", err)
	}
	return &SqliteMutationStore{
		db: db,
	}, nil
}

func (self *SqliteMutationStore) nextSeq() (int64, error) {
	_, err := self.db.Exec(`INSERT INTO meta (k, v) VALUES ('enqueue_seq', 1) ON CONFLICT(k) DO UPDATE SET v = v + 1`)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = self.db.QueryRow(`SELECT v FROM meta WHERE k = 'enqueue_seq'`).Scan(&seq)
	return seq, err
}

func (self *SqliteMutationStore) Put(mutation *Mutation) error {
	if err := mutation.Validate(); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	seq, err := self.nextSeq()
	if err != nil {
		return fmt.Errorf("failed to allocate enqueue seq: %w", err)
	}

	payloadJson, err := marshalFields(mutation.Payload)
	if err != nil {
		return err
	}
	seenJson, err := marshalFields(mutation.Seen)
	if err != nil {
		return err
	}

	var nextRetryAt sql.NullTime
	if !mutation.NextRetryAt.IsZero() {
		nextRetryAt = sql.NullTime{Time: mutation.NextRetryAt, Valid: true}
	}
	var conflictId sql.NullString
	if mutation.ConflictId != nil {
		conflictId = sql.NullString{String: mutation.ConflictId.String(), Valid: true}
	}

	_, err = self.db.Exec(
		`INSERT INTO mutations (mutation_id, enqueue_seq, entity_type, entity_id, operation, payload, seen, base_version, created_at, status, retry_count, next_retry_at, conflict_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mutation.MutationId.String(),
		seq,
		mutation.EntityType,
		mutation.EntityId,
		string(mutation.Operation),
		payloadJson,
		seenJson,
		mutation.BaseVersion,
		mutation.CreatedAt,
		string(mutation.Status),
		mutation.RetryCount,
		nextRetryAt,
		conflictId,
	)
	if err != nil {
		return fmt.Errorf("failed to append mutation: %w", err)
	}
	return nil
}

const mutationColumns = `mutation_id, entity_type, entity_id, operation, payload, seen, base_version, created_at, status, retry_count, next_retry_at, conflict_id`

func scanMutation(row interface{ Scan(...any) error }) (*Mutation, error) {
	var (
		mutationIdStr string
		operation     string
		payloadJson   sql.NullString
		seenJson      sql.NullString
		status        string
		nextRetryAt   sql.NullTime
		conflictIdStr sql.NullString
	)
	mutation := &Mutation{}
	err := row.Scan(
		&mutationIdStr,
		&mutation.EntityType,
		&mutation.EntityId,
		&operation,
		&payloadJson,
		&seenJson,
		&mutation.BaseVersion,
		&mutation.CreatedAt,
		&status,
		&mutation.RetryCount,
		&nextRetryAt,
		&conflictIdStr,
	)
	if err != nil {
		return nil, err
	}
	mutation.MutationId, err = ParseId(mutationIdStr)
	if err != nil {
		return nil, err
	}
	mutation.Operation = Operation(operation)
	mutation.Status = MutationStatus(status)
	if mutation.Payload, err = unmarshalFields(payloadJson); err != nil {
		return nil, err
	}
	if mutation.Seen, err = unmarshalFields(seenJson); err != nil {
		return nil, err
	}
	if nextRetryAt.Valid {
		mutation.NextRetryAt = nextRetryAt.Time
	}
	if conflictIdStr.Valid {
		conflictId, err := ParseId(conflictIdStr.String)
		if err != nil {
			return nil, err
		}
		mutation.ConflictId = &conflictId
	}
	return mutation, nil
}

func (self *SqliteMutationStore) Get(mutationId Id) (*Mutation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.get(mutationId)
}

func (self *SqliteMutationStore) get(mutationId Id) (*Mutation, error) {
	row := self.db.QueryRow(
		`SELECT `+mutationColumns+` FROM mutations WHERE mutation_id = ?`,
		mutationId.String(),
	)
	mutation, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mutation %s not found", mutationId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation: %w", err)
	}
	return mutation, nil
}

func (self *SqliteMutationStore) Mark(mutationId Id, status MutationStatus) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, err := self.get(mutationId)
	if err != nil {
		return err
	}
	if !mutation.Status.CanTransitionTo(status) {
		return &InvalidTransitionError{From: mutation.Status, To: status}
	}
	_, err = self.db.Exec(
		`UPDATE mutations SET status = ? WHERE mutation_id = ?`,
		string(status),
		mutationId.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark mutation: %w", err)
	}
	return nil
}

func (self *SqliteMutationStore) Requeue(mutationId Id, payload map[string]any, seen map[string]any, baseVersion EntityVersion) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, err := self.get(mutationId)
	if err != nil {
		return err
	}
	if !mutation.Status.CanTransitionTo(MutationStatusPending) {
		return &InvalidTransitionError{From: mutation.Status, To: MutationStatusPending}
	}
	payloadJson, err := marshalFields(payload)
	if err != nil {
		return err
	}
	seenJson, err := marshalFields(seen)
	if err != nil {
		return err
	}
	_, err = self.db.Exec(
		`UPDATE mutations SET payload = ?, seen = ?, base_version = ?, status = ?, retry_count = 0, next_retry_at = NULL, conflict_id = NULL WHERE mutation_id = ?`,
		payloadJson,
		seenJson,
		baseVersion,
		string(MutationStatusPending),
		mutationId.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to requeue mutation: %w", err)
	}
	return nil
}

func (self *SqliteMutationStore) SetRetry(mutationId Id, retryCount int, nextRetryAt time.Time) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, err := self.db.Exec(
		`UPDATE mutations SET retry_count = ?, next_retry_at = ? WHERE mutation_id = ?`,
		retryCount,
		nextRetryAt,
		mutationId.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to set retry: %w", err)
	}
	return nil
}

func (self *SqliteMutationStore) SetConflictId(mutationId Id, conflictId *Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var conflictIdStr sql.NullString
	if conflictId != nil {
		conflictIdStr = sql.NullString{String: conflictId.String(), Valid: true}
	}
	_, err := self.db.Exec(
		`UPDATE mutations SET conflict_id = ? WHERE mutation_id = ?`,
		conflictIdStr,
		mutationId.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to set conflict id: %w", err)
	}
	return nil
}

func (self *SqliteMutationStore) PeekNext(entityKey EntityKey) (*Mutation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	row := self.db.QueryRow(
		`SELECT `+mutationColumns+` FROM mutations
		 WHERE entity_type = ? AND entity_id = ? AND status NOT IN (?, ?)
		 ORDER BY enqueue_seq ASC LIMIT 1`,
		entityKey.EntityType,
		entityKey.EntityId,
		string(MutationStatusAcked),
		string(MutationStatusFailed),
	)
	mutation, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek mutation: %w", err)
	}
	return mutation, nil
}

func (self *SqliteMutationStore) PendingEntities() ([]EntityKey, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rows, err := self.db.Query(
		`SELECT DISTINCT entity_type, entity_id FROM mutations WHERE status NOT IN (?, ?)`,
		string(MutationStatusAcked),
		string(MutationStatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entities: %w", err)
	}
	defer rows.Close()

	entityKeys := []EntityKey{}
	for rows.Next() {
		var entityKey EntityKey
		if err := rows.Scan(&entityKey.EntityType, &entityKey.EntityId); err != nil {
			return nil, err
		}
		entityKeys = append(entityKeys, entityKey)
	}
	return entityKeys, rows.Err()
}

func (self *SqliteMutationStore) HasPending(entityKey EntityKey) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var n int
	err := self.db.QueryRow(
		`SELECT COUNT(*) FROM mutations WHERE entity_type = ? AND entity_id = ? AND status NOT IN (?, ?)`,
		entityKey.EntityType,
		entityKey.EntityId,
		string(MutationStatusAcked),
		string(MutationStatusFailed),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count pending: %w", err)
	}
	return 0 < n, nil
}

func (self *SqliteMutationStore) Remove(mutationId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, err := self.db.Exec(
		`DELETE FROM mutations WHERE mutation_id = ?`,
		mutationId.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to remove mutation: %w", err)
	}
	return nil
}

func (self *SqliteMutationStore) RecoverInFlight() (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	result, err := self.db.Exec(
		`UPDATE mutations SET status = ? WHERE status = ?`,
		string(MutationStatusPending),
		string(MutationStatusInFlight),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}
	recovered, _ := result.RowsAffected()
	return int(recovered), nil
}

func (self *SqliteMutationStore) Counts() (*MutationCounts, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rows, err := self.db.Query(`SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	counts := &MutationCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch MutationStatus(status) {
		case MutationStatusPending:
			counts.Pending = n
		case MutationStatusInFlight:
			counts.InFlight = n
		case MutationStatusFailed:
			counts.Failed = n
		case MutationStatusConflicted:
			counts.Conflicted = n
		}
	}
	return counts, rows.Err()
}

func (self *SqliteMutationStore) ListFailed() ([]*Mutation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rows, err := self.db.Query(
		`SELECT `+mutationColumns+` FROM mutations WHERE status = ? ORDER BY enqueue_seq ASC`,
		string(MutationStatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed mutations: %w", err)
	}
	defer rows.Close()

	failed := []*Mutation{}
	for rows.Next() {
		mutation, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		failed = append(failed, mutation)
	}
	return failed, rows.Err()
}

func (self *SqliteMutationStore) ParkConflict(record *ConflictRecord) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutationJson, err := json.Marshal(record.Mutation)
	if err != nil {
		return err
	}
	serverFieldsJson, err := marshalFields(record.ServerFields)
	if err != nil {
		return err
	}
	overriddenJson, err := json.Marshal(record.OverriddenFields)
	if err != nil {
		return err
	}
	_, err = self.db.Exec(
		`INSERT OR REPLACE INTO conflicts (conflict_id, mutation, server_fields, server_version, server_deleted, outcome, overridden_fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ConflictId.String(),
		string(mutationJson),
		serverFieldsJson,
		record.ServerVersion,
		record.ServerDeleted,
		string(record.Outcome),
		string(overriddenJson),
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to park conflict: %w", err)
	}
	return nil
}

func (self *SqliteMutationStore) GetConflict(conflictId Id) (*ConflictRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	row := self.db.QueryRow(
		`SELECT conflict_id, mutation, server_fields, server_version, server_deleted, outcome, overridden_fields, created_at FROM conflicts WHERE conflict_id = ?`,
		conflictId.String(),
	)
	record, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s not found", conflictId)
	}
	return record, err
}

func (self *SqliteMutationStore) ListConflicts() ([]*ConflictRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rows, err := self.db.Query(
		`SELECT conflict_id, mutation, server_fields, server_version, server_deleted, outcome, overridden_fields, created_at FROM conflicts ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	records := []*ConflictRecord{}
	for rows.Next() {
		record, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanConflict(row interface{ Scan(...any) error }) (*ConflictRecord, error) {
	var (
		conflictIdStr    string
		mutationJson     string
		serverFieldsJson sql.NullString
		outcome          string
		overriddenJson   sql.NullString
	)
	record := &ConflictRecord{}
	err := row.Scan(
		&conflictIdStr,
		&mutationJson,
		&serverFieldsJson,
		&record.ServerVersion,
		&record.ServerDeleted,
		&outcome,
		&overriddenJson,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.ConflictId, err = ParseId(conflictIdStr)
	if err != nil {
		return nil, err
	}
	record.Outcome = ConflictOutcome(outcome)
	record.Mutation = &Mutation{}
	if err := json.Unmarshal([]byte(mutationJson), record.Mutation); err != nil {
		return nil, err
	}
	if record.ServerFields, err = unmarshalFields(serverFieldsJson); err != nil {
		return nil, err
	}
	if overriddenJson.Valid && overriddenJson.String != "" {
		if err := json.Unmarshal([]byte(overriddenJson.String), &record.OverriddenFields); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func (self *SqliteMutationStore) RemoveConflict(conflictId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, err := self.db.Exec(
		`DELETE FROM conflicts WHERE conflict_id = ?`,
		conflictId.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to remove conflict: %w", err)
	}
	return nil
}

func (self *SqliteMutationStore) Close() error {
	return self.db.Close()
}

func marshalFields(fields map[string]any) (sql.NullString, error) {
	if fields == nil {
		return sql.NullString{}, nil
	}
	fieldsJson, err := json.Marshal(fields)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(fieldsJson), Valid: true}, nil
}

func unmarshalFields(fieldsJson sql.NullString) (map[string]any, error) {
	if !fieldsJson.Valid || fieldsJson.String == "" {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJson.String), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
