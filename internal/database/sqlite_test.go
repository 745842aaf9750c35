package database

import (
	"testing"
	"time"

	"vigil-go/internal/vigil"
)

// newTestDB creates a new migrated in-memory database.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestSQLiteDatabase_QuarantineRecords(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	newRecord := func(id, path string, offset time.Duration) *vigil.QuarantineRecord {
		return &vigil.QuarantineRecord{
			ID:            id,
			OriginalPath:  path,
			VaultPath:     "/vault/blobs/" + id,
			KeyRef:        "age1key",
			QuarantinedAt: at.Add(offset),
			Restorable:    true,
			SHA256:        "abc123",
			Size:          42,
			MatchedRules:  []string{"eicar", "dropper"},
		}
	}

	t.Run("create and find by id", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.CreateQuarantineRecord(newRecord("q-1", "/home/u/bad.exe", 0)); err != nil {
			t.Fatalf("CreateQuarantineRecord() error = %v", err)
		}

		got, err := db.FindQuarantineRecord("q-1")
		if err != nil {
			t.Fatalf("FindQuarantineRecord() error = %v", err)
		}
		if got == nil {
			t.Fatal("FindQuarantineRecord() = nil, want record")
		}
		if got.OriginalPath != "/home/u/bad.exe" {
			t.Errorf("OriginalPath = %q, want %q", got.OriginalPath, "/home/u/bad.exe")
		}
		if !got.QuarantinedAt.Equal(at) {
			t.Errorf("QuarantinedAt = %v, want %v", got.QuarantinedAt, at)
		}
		if !got.Restorable {
			t.Error("Restorable = false, want true")
		}
		if len(got.MatchedRules) != 2 || got.MatchedRules[1] != "dropper" {
			t.Errorf("MatchedRules = %v, want [eicar dropper]", got.MatchedRules)
		}
	})

	t.Run("not found returns nil", func(t *testing.T) {
		db := newTestDB(t)

		got, err := db.FindQuarantineRecord("missing")
		if err != nil {
			t.Fatalf("FindQuarantineRecord() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindQuarantineRecord() = %+v, want nil", got)
		}
	})

	t.Run("find by path returns newest", func(t *testing.T) {
		db := newTestDB(t)
		db.CreateQuarantineRecord(newRecord("q-1", "/tmp/x", 0))
		db.CreateQuarantineRecord(newRecord("q-2", "/tmp/x", time.Hour))
		db.CreateQuarantineRecord(newRecord("q-3", "/tmp/y", 2*time.Hour))

		got, err := db.FindQuarantineRecordByPath("/tmp/x")
		if err != nil {
			t.Fatalf("FindQuarantineRecordByPath() error = %v", err)
		}
		if got == nil || got.ID != "q-2" {
			t.Errorf("FindQuarantineRecordByPath() = %+v, want q-2", got)
		}
	})

	t.Run("list and delete", func(t *testing.T) {
		db := newTestDB(t)
		db.CreateQuarantineRecord(newRecord("q-1", "/a", 0))
		db.CreateQuarantineRecord(newRecord("q-2", "/b", time.Minute))

		if err := db.DeleteQuarantineRecord("q-1"); err != nil {
			t.Fatalf("DeleteQuarantineRecord() error = %v", err)
		}

		recs, err := db.ListQuarantineRecords()
		if err != nil {
			t.Fatalf("ListQuarantineRecords() error = %v", err)
		}
		if len(recs) != 1 || recs[0].ID != "q-2" {
			t.Errorf("ListQuarantineRecords() = %v, want only q-2", recs)
		}
	})
}

func TestSQLiteDatabase_Verdicts(t *testing.T) {
	db := newTestDB(t)
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	clean := &vigil.Verdict{Path: "/a", Kind: vigil.VerdictClean, RuleVersion: "1.0.0", ScannedAt: at}
	bad := &vigil.Verdict{Path: "/b", Kind: vigil.VerdictMalicious, MatchedRules: []string{"eicar"}, RuleVersion: "1.0.0", ScannedAt: at}
	for _, v := range []*vigil.Verdict{clean, bad} {
		if err := db.InsertVerdict(v); err != nil {
			t.Fatalf("InsertVerdict() error = %v", err)
		}
	}
	if bad.ID == 0 {
		t.Error("verdict ID should be non-zero")
	}

	got, err := db.ListVerdicts(10)
	if err != nil {
		t.Fatalf("ListVerdicts() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d verdicts, want 2", len(got))
	}
	if got[0].Path != "/b" || got[0].Kind != vigil.VerdictMalicious {
		t.Errorf("newest verdict = %+v, want malicious /b", got[0])
	}
	if len(got[1].MatchedRules) != 0 {
		t.Errorf("clean verdict MatchedRules = %v, want empty", got[1].MatchedRules)
	}
}

func TestSQLiteDatabase_LicenseState(t *testing.T) {
	db := newTestDB(t)

	got, err := db.LoadLicenseState()
	if err != nil {
		t.Fatalf("LoadLicenseState() error = %v", err)
	}
	if got != nil {
		t.Fatalf("LoadLicenseState() on empty db = %+v, want nil", got)
	}

	expiry := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	st := &vigil.LicenseState{
		Status:        vigil.LicenseGraceOffline,
		ActivationID:  "act-1",
		DeviceID:      "dev-1",
		Expiry:        expiry,
		SeatCount:     2,
		SeatLimit:     3,
		AutoRenew:     true,
		LastValidated: expiry.Add(-48 * time.Hour),
		OfflineSince:  expiry.Add(-24 * time.Hour),
		PollInterval:  15 * time.Second,
		FailureCount:  4,
		Revision:      7,
	}
	if err := db.SaveLicenseState(st); err != nil {
		t.Fatalf("SaveLicenseState() error = %v", err)
	}

	st.Status = vigil.LicenseActive
	st.OfflineSince = time.Time{}
	st.FailureCount = 0
	if err := db.SaveLicenseState(st); err != nil {
		t.Fatalf("second SaveLicenseState() error = %v", err)
	}

	got, err = db.LoadLicenseState()
	if err != nil {
		t.Fatalf("LoadLicenseState() error = %v", err)
	}
	if got.Status != vigil.LicenseActive {
		t.Errorf("Status = %q, want %q", got.Status, vigil.LicenseActive)
	}
	if !got.OfflineSince.IsZero() {
		t.Errorf("OfflineSince = %v, want zero", got.OfflineSince)
	}
	if !got.Expiry.Equal(expiry) {
		t.Errorf("Expiry = %v, want %v", got.Expiry, expiry)
	}
	if got.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", got.PollInterval)
	}
	if !got.AutoRenew || got.SeatLimit != 3 {
		t.Errorf("AutoRenew/SeatLimit = %v/%d, want true/3", got.AutoRenew, got.SeatLimit)
	}
	if got.Revision != 7 {
		t.Errorf("Revision = %d, want 7", got.Revision)
	}
}

func TestSQLiteDatabase_RestoredFiles(t *testing.T) {
	db := newTestDB(t)
	at := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	got, err := db.FindRestore("/home/u/a.exe")
	if err != nil || got != nil {
		t.Fatalf("FindRestore() on empty db = %+v, %v; want nil, nil", got, err)
	}

	if err := db.RecordRestore(&vigil.RestoredFile{Path: "/home/u/a.exe", SHA256: "aa", RestoredAt: at}); err != nil {
		t.Fatalf("RecordRestore() error = %v", err)
	}
	if err := db.RecordRestore(&vigil.RestoredFile{Path: "/home/u/a.exe", SHA256: "bb", RestoredAt: at.Add(time.Hour)}); err != nil {
		t.Fatalf("second RecordRestore() error = %v", err)
	}

	got, err = db.FindRestore("/home/u/a.exe")
	if err != nil {
		t.Fatalf("FindRestore() error = %v", err)
	}
	if got == nil || got.SHA256 != "bb" || !got.RestoredAt.Equal(at.Add(time.Hour)) {
		t.Errorf("FindRestore() = %+v, want the latest restore", got)
	}
}

func TestSQLiteDatabase_InstallReports(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	r := &vigil.InstallReport{Root: "/opt/tool", Installer: "dpkg", StartedAt: start, EndedAt: start.Add(5 * time.Minute), Scanned: 120, Flagged: 1}
	if err := db.InsertInstallReport(r); err != nil {
		t.Fatalf("InsertInstallReport() error = %v", err)
	}

	got, err := db.ListInstallReports(5)
	if err != nil {
		t.Fatalf("ListInstallReports() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d reports, want 1", len(got))
	}
	if got[0].Scanned != 120 || got[0].Flagged != 1 || got[0].Installer != "dpkg" {
		t.Errorf("report = %+v", got[0])
	}
}

func TestSQLiteDatabase_Operations(t *testing.T) {
	t.Run("create and list operations", func(t *testing.T) {
		db := newTestDB(t)

		op1 := &vigil.Operation{Operation: "Restore", Parameters: "q-1", Status: "success"}
		if err := db.CreateOperation(op1); err != nil {
			t.Fatalf("CreateOperation() error = %v", err)
		}
		if op1.ID == 0 {
			t.Error("operation ID should be non-zero")
		}
		op2 := &vigil.Operation{Operation: "Purge", Status: "success"}
		if err := db.CreateOperation(op2); err != nil {
			t.Fatalf("CreateOperation() error = %v", err)
		}

		ops, err := db.ListOperations(10)
		if err != nil {
			t.Fatalf("ListOperations() error = %v", err)
		}
		if len(ops) != 2 {
			t.Fatalf("got %d operations, want 2", len(ops))
		}
		if ops[0].ID != op2.ID {
			t.Errorf("expected newest first: got ID %d, want %d", ops[0].ID, op2.ID)
		}
	})

	t.Run("finish operation sets status and time", func(t *testing.T) {
		db := newTestDB(t)

		op := &vigil.Operation{Operation: "Activate", Status: "success"}
		db.CreateOperation(op)
		if err := db.FinishOperation(op.ID, "error"); err != nil {
			t.Fatalf("FinishOperation() error = %v", err)
		}

		ops, _ := db.ListOperations(1)
		if ops[0].Status != "error" {
			t.Errorf("Status = %q, want %q", ops[0].Status, "error")
		}
		if ops[0].FinishedAt.IsZero() {
			t.Error("FinishedAt should be set")
		}
	})
}

func TestSQLiteDatabase_CheckMigrations(t *testing.T) {
	db := newTestDB(t)
	if err := db.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
}
