package vigil

// Database is the agent's persistent store. Find methods return (nil, nil)
// when nothing matches.
type Database interface {
	// Quarantine records

	CreateQuarantineRecord(rec *QuarantineRecord) error
	FindQuarantineRecord(id string) (*QuarantineRecord, error)
	// FindQuarantineRecordByPath returns the most recent record for an original path.
	FindQuarantineRecordByPath(path string) (*QuarantineRecord, error)
	ListQuarantineRecords() ([]*QuarantineRecord, error)
	DeleteQuarantineRecord(id string) error

	// Verdict audit

	InsertVerdict(v *Verdict) error
	ListVerdicts(limit int) ([]*Verdict, error)

	// License state (a single row)

	LoadLicenseState() (*LicenseState, error)
	SaveLicenseState(s *LicenseState) error

	// Install reports

	InsertInstallReport(r *InstallReport) error
	ListInstallReports(limit int) ([]*InstallReport, error)

	// Restored files, so a restored file is not captured again at once

	RecordRestore(r *RestoredFile) error
	FindRestore(path string) (*RestoredFile, error)

	// Operation history

	CreateOperation(op *Operation) error
	FinishOperation(id int64, status string) error
	ListOperations(limit int) ([]*Operation, error)

	// CheckMigrations verifies the schema is at the latest version.
	CheckMigrations() error

	Close() error
}
