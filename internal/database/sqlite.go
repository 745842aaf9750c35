package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vigil-go/internal/database/migrations"
	"vigil-go/internal/vigil"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements vigil.Database using SQLite.
type SQLiteDatabase struct {
	db *sql.DB
}

var _ vigil.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path and applies pending migrations.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteDatabase{db: db}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection.
// Scan workers, the license loop and the CLI write concurrently, so file
// databases use WAL with a busy timeout. In-memory databases are pinned to a
// single connection because every connection would otherwise see its own database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Quarantine records

const quarantineColumns = `id, original_path, vault_path, key_ref, quarantined_at, restorable, sha256, size, matched_rules`

func (s *SQLiteDatabase) CreateQuarantineRecord(rec *vigil.QuarantineRecord) error {
	rules, err := encodeRules(rec.MatchedRules)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO quarantine_records (`+quarantineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OriginalPath, rec.VaultPath, rec.KeyRef, rec.QuarantinedAt.UTC(),
		rec.Restorable, rec.SHA256, rec.Size, rules)
	if err != nil {
		return fmt.Errorf("creating quarantine record: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindQuarantineRecord(id string) (*vigil.QuarantineRecord, error) {
	row := s.db.QueryRow(`SELECT `+quarantineColumns+` FROM quarantine_records WHERE id = ?`, id)
	rec, err := scanQuarantineRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding quarantine record %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteDatabase) FindQuarantineRecordByPath(path string) (*vigil.QuarantineRecord, error) {
	row := s.db.QueryRow(`SELECT `+quarantineColumns+` FROM quarantine_records
		WHERE original_path = ? ORDER BY quarantined_at DESC LIMIT 1`, path)
	rec, err := scanQuarantineRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding quarantine record for %s: %w", path, err)
	}
	return rec, nil
}

func (s *SQLiteDatabase) ListQuarantineRecords() ([]*vigil.QuarantineRecord, error) {
	rows, err := s.db.Query(`SELECT ` + quarantineColumns + ` FROM quarantine_records ORDER BY quarantined_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing quarantine records: %w", err)
	}
	defer rows.Close()

	var result []*vigil.QuarantineRecord
	for rows.Next() {
		rec, err := scanQuarantineRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("listing quarantine records: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) DeleteQuarantineRecord(id string) error {
	if _, err := s.db.Exec(`DELETE FROM quarantine_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting quarantine record %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuarantineRecord(r rowScanner) (*vigil.QuarantineRecord, error) {
	var rec vigil.QuarantineRecord
	var rules string
	if err := r.Scan(&rec.ID, &rec.OriginalPath, &rec.VaultPath, &rec.KeyRef, &rec.QuarantinedAt,
		&rec.Restorable, &rec.SHA256, &rec.Size, &rules); err != nil {
		return nil, err
	}
	var err error
	if rec.MatchedRules, err = decodeRules(rules); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Verdict audit

func (s *SQLiteDatabase) InsertVerdict(v *vigil.Verdict) error {
	rules, err := encodeRules(v.MatchedRules)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT INTO verdicts (path, kind, matched_rules, rule_version, scanned_at, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.Path, string(v.Kind), rules, v.RuleVersion, v.ScannedAt.UTC(), v.Error)
	if err != nil {
		return fmt.Errorf("inserting verdict: %w", err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("inserting verdict: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListVerdicts(limit int) ([]*vigil.Verdict, error) {
	rows, err := s.db.Query(`SELECT id, path, kind, matched_rules, rule_version, scanned_at, error
		FROM verdicts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing verdicts: %w", err)
	}
	defer rows.Close()

	var result []*vigil.Verdict
	for rows.Next() {
		var v vigil.Verdict
		var kind, rules string
		if err := rows.Scan(&v.ID, &v.Path, &kind, &rules, &v.RuleVersion, &v.ScannedAt, &v.Error); err != nil {
			return nil, fmt.Errorf("listing verdicts: %w", err)
		}
		v.Kind = vigil.VerdictKind(kind)
		if v.MatchedRules, err = decodeRules(rules); err != nil {
			return nil, err
		}
		result = append(result, &v)
	}
	return result, rows.Err()
}

// License state

func (s *SQLiteDatabase) LoadLicenseState() (*vigil.LicenseState, error) {
	var st vigil.LicenseState
	var status string
	var expiry, lastValidated, offlineSince, lastWarned sql.NullTime
	var pollMillis int64
	err := s.db.QueryRow(`SELECT status, activation_id, device_id, expiry, seat_count, seat_limit,
		auto_renew, last_validated, offline_since, poll_interval, failure_count, last_warned_at, revision
		FROM license_state WHERE id = 1`).Scan(
		&status, &st.ActivationID, &st.DeviceID, &expiry, &st.SeatCount, &st.SeatLimit,
		&st.AutoRenew, &lastValidated, &offlineSince, &pollMillis, &st.FailureCount, &lastWarned,
		&st.Revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading license state: %w", err)
	}
	st.Status = vigil.LicenseStatus(status)
	st.Expiry = expiry.Time
	st.LastValidated = lastValidated.Time
	st.OfflineSince = offlineSince.Time
	st.LastWarnedAt = lastWarned.Time
	st.PollInterval = time.Duration(pollMillis) * time.Millisecond
	return &st, nil
}

func (s *SQLiteDatabase) SaveLicenseState(st *vigil.LicenseState) error {
	_, err := s.db.Exec(`INSERT INTO license_state (id, status, activation_id, device_id, expiry,
			seat_count, seat_limit, auto_renew, last_validated, offline_since, poll_interval,
			failure_count, last_warned_at, revision)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			activation_id = excluded.activation_id,
			device_id = excluded.device_id,
			expiry = excluded.expiry,
			seat_count = excluded.seat_count,
			seat_limit = excluded.seat_limit,
			auto_renew = excluded.auto_renew,
			last_validated = excluded.last_validated,
			offline_since = excluded.offline_since,
			poll_interval = excluded.poll_interval,
			failure_count = excluded.failure_count,
			last_warned_at = excluded.last_warned_at,
			revision = excluded.revision`,
		string(st.Status), st.ActivationID, st.DeviceID, nullTime(st.Expiry),
		st.SeatCount, st.SeatLimit, st.AutoRenew, nullTime(st.LastValidated), nullTime(st.OfflineSince),
		st.PollInterval.Milliseconds(), st.FailureCount, nullTime(st.LastWarnedAt), st.Revision)
	if err != nil {
		return fmt.Errorf("saving license state: %w", err)
	}
	return nil
}

// Install reports

func (s *SQLiteDatabase) InsertInstallReport(r *vigil.InstallReport) error {
	res, err := s.db.Exec(`INSERT INTO install_reports (root, installer, started_at, ended_at, scanned, flagged)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Root, r.Installer, r.StartedAt.UTC(), r.EndedAt.UTC(), r.Scanned, r.Flagged)
	if err != nil {
		return fmt.Errorf("inserting install report: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("inserting install report: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListInstallReports(limit int) ([]*vigil.InstallReport, error) {
	rows, err := s.db.Query(`SELECT id, root, installer, started_at, ended_at, scanned, flagged
		FROM install_reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing install reports: %w", err)
	}
	defer rows.Close()

	var result []*vigil.InstallReport
	for rows.Next() {
		var r vigil.InstallReport
		if err := rows.Scan(&r.ID, &r.Root, &r.Installer, &r.StartedAt, &r.EndedAt, &r.Scanned, &r.Flagged); err != nil {
			return nil, fmt.Errorf("listing install reports: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Restored files

// RecordRestore remembers that path was restored with the given content,
// replacing any earlier entry for the path.
func (s *SQLiteDatabase) RecordRestore(r *vigil.RestoredFile) error {
	_, err := s.db.Exec(`INSERT INTO restored_files (path, sha256, restored_at) VALUES (?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET sha256 = excluded.sha256, restored_at = excluded.restored_at`,
		r.Path, r.SHA256, r.RestoredAt.UTC())
	if err != nil {
		return fmt.Errorf("recording restore of %s: %w", r.Path, err)
	}
	return nil
}

func (s *SQLiteDatabase) FindRestore(path string) (*vigil.RestoredFile, error) {
	var r vigil.RestoredFile
	err := s.db.QueryRow(`SELECT path, sha256, restored_at FROM restored_files WHERE path = ?`, path).
		Scan(&r.Path, &r.SHA256, &r.RestoredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding restore of %s: %w", path, err)
	}
	return &r, nil
}

// Operations

func (s *SQLiteDatabase) CreateOperation(op *vigil.Operation) error {
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, ?, ?)`,
		op.Operation, op.Parameters, op.Status, op.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FinishOperation(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(limit int) ([]*vigil.Operation, error) {
	rows, err := s.db.Query(`SELECT id, operation, parameters, status, started_at, finished_at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*vigil.Operation
	for rows.Next() {
		var op vigil.Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("listing operations: %w", err)
		}
		op.FinishedAt = finished.Time
		result = append(result, &op)
	}
	return result, rows.Err()
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeRules(rules []string) (string, error) {
	if len(rules) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("encoding matched rules: %w", err)
	}
	return string(b), nil
}

func decodeRules(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return nil, nil
	}
	var rules []string
	if err := json.Unmarshal([]byte(s), &rules); err != nil {
		return nil, fmt.Errorf("decoding matched rules: %w", err)
	}
	return rules, nil
}
