// Package storage provides SQLite-backed persistence for recordings, detector runs, consensus scores and feature rows.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/hrvcorpus/internal/aggregate"
	"github.com/rewired-gh/hrvcorpus/internal/consensus"
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db            *sql.DB
	maxRecordings int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/hrvcorpus/corpus.db.
func New(maxRecordings int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "hrvcorpus", "corpus.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxRecordings: maxRecordings}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id               TEXT PRIMARY KEY,
			ref_file         TEXT NOT NULL,
			sampling_freq    REAL NOT NULL,
			start_datetime   INTEGER,
			exam_duration    REAL NOT NULL,
			best_pair        TEXT NOT NULL DEFAULT '',
			best_correlation REAL NOT NULL DEFAULT 0,
			flagged          INTEGER NOT NULL DEFAULT 0,
			feature_keys     TEXT NOT NULL DEFAULT '[]',
			created_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detector_runs (
			id           TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
			detector     TEXT NOT NULL,
			beats        INTEGER NOT NULL,
			mean_hr      REAL NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			elapsed_ns   INTEGER NOT NULL,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consensus_pairs (
			recording_id           TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
			detector_a             TEXT NOT NULL,
			detector_b             TEXT NOT NULL,
			correlation            REAL NOT NULL,
			matching_beats         INTEGER NOT NULL,
			missing_beats_duration REAL NOT NULL,
			PRIMARY KEY (recording_id, detector_a, detector_b)
		)`,
		`CREATE TABLE IF NOT EXISTS feature_rows (
			recording_id   TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
			interval_index INTEGER NOT NULL,
			label          REAL,
			feature_values TEXT NOT NULL,
			PRIMARY KEY (recording_id, interval_index)
		)`,
		`CREATE TABLE IF NOT EXISTS window_diagnostics (
			recording_id   TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
			interval_index INTEGER NOT NULL,
			stage          TEXT NOT NULL,
			reason         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_created_at ON recordings(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_feature_rows_label ON feature_rows(label)`,
		`CREATE INDEX IF NOT EXISTS idx_diagnostics_recording ON window_diagnostics(recording_id, interval_index)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn inside one transaction, committing only when fn succeeds.
func (s *Storage) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// AddRecording inserts a recording and drops the oldest ones beyond the cap.
func (s *Storage) AddRecording(rec *models.Recording) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := insertRecording(tx, rec); err != nil {
			return err
		}
		return rotate(tx, s.maxRecordings)
	})
}

func insertRecording(tx *sql.Tx, rec *models.Recording) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid recording: %w", err)
	}
	_, err := tx.Exec(`
		INSERT INTO recordings
			(id, ref_file, sampling_freq, start_datetime, exam_duration, created_at)
		VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.RefFile, rec.SamplingFreq, nullableTime(rec.StartDatetime),
		rec.ExamDuration, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}
	return nil
}

// Build is everything the corpus keeps about one processed recording.
// Table is nil when no features could be computed.
type Build struct {
	Recording *models.Recording
	Runs      []DetectorRun
	Pairs     []consensus.Pair
	Quality   Quality
	Table     *aggregate.Table
}

// SaveBuild stores a recording with its detection, quality and features in a
// single transaction, so a failure leaves nothing behind.
func (s *Storage) SaveBuild(b Build) error {
	if b.Recording == nil {
		return fmt.Errorf("build has no recording")
	}
	id := b.Recording.ID
	return s.withTx(func(tx *sql.Tx) error {
		if err := insertRecording(tx, b.Recording); err != nil {
			return err
		}
		if err := saveDetection(tx, id, b.Runs, b.Pairs); err != nil {
			return err
		}
		if err := setQuality(tx, id, b.Quality); err != nil {
			return err
		}
		if b.Table != nil {
			if err := saveFeatures(tx, id, b.Table); err != nil {
				return err
			}
		}
		return rotate(tx, s.maxRecordings)
	})
}

// GetRecording returns the recording with the given ID.
func (s *Storage) GetRecording(id string) (*models.Recording, error) {
	row := s.db.QueryRow(`SELECT `+recordingCols+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

// ListRecordings returns every recording, newest first.
func (s *Storage) ListRecordings() ([]*models.Recording, error) {
	rows, err := s.db.Query(`SELECT ` + recordingCols + ` FROM recordings ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()
	recs := []*models.Recording{}
	for rows.Next() {
		rec, err := scanRecording(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteRecording removes a recording and, by cascade, everything derived from it.
func (s *Storage) DeleteRecording(id string) error {
	res, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("recording not found: %s", id)
	}
	return nil
}

// Quality is the consensus verdict attached to a recording.
type Quality struct {
	BestPair    string
	Correlation float64
	Flagged     bool
}

// SetQuality records the consensus verdict of a recording.
func (s *Storage) SetQuality(recordingID string, q Quality) error {
	return s.withTx(func(tx *sql.Tx) error {
		return setQuality(tx, recordingID, q)
	})
}

func setQuality(tx *sql.Tx, recordingID string, q Quality) error {
	res, err := tx.Exec(`
		UPDATE recordings SET best_pair=?, best_correlation=?, flagged=?
		WHERE id=?`,
		q.BestPair, q.Correlation, boolToInt(q.Flagged), recordingID,
	)
	if err != nil {
		return fmt.Errorf("failed to update quality: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("recording not found: %s", recordingID)
	}
	return nil
}

// GetQuality returns the consensus verdict of a recording.
func (s *Storage) GetQuality(recordingID string) (Quality, error) {
	var q Quality
	var flagged int
	err := s.db.QueryRow(`
		SELECT best_pair, best_correlation, flagged FROM recordings WHERE id = ?`,
		recordingID,
	).Scan(&q.BestPair, &q.Correlation, &flagged)
	if err == sql.ErrNoRows {
		return q, fmt.Errorf("recording not found: %s", recordingID)
	}
	if err != nil {
		return q, fmt.Errorf("failed to get quality: %w", err)
	}
	q.Flagged = flagged != 0
	return q, nil
}

// DetectorRun summarizes one detector's pass over a recording.
type DetectorRun struct {
	ID          string
	RecordingID string
	Detector    string
	Beats       int
	MeanHR      float64
	Error       string
	Elapsed     time.Duration
	CreatedAt   time.Time
}

// SaveDetection stores detector runs and the off-diagonal consensus pairs of a
// recording, replacing whatever was stored for it before.
func (s *Storage) SaveDetection(recordingID string, runs []DetectorRun, pairs []consensus.Pair) error {
	return s.withTx(func(tx *sql.Tx) error {
		return saveDetection(tx, recordingID, runs, pairs)
	})
}

func saveDetection(tx *sql.Tx, recordingID string, runs []DetectorRun, pairs []consensus.Pair) error {
	if _, err := tx.Exec(`DELETE FROM detector_runs WHERE recording_id = ?`, recordingID); err != nil {
		return fmt.Errorf("failed to clear detector runs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM consensus_pairs WHERE recording_id = ?`, recordingID); err != nil {
		return fmt.Errorf("failed to clear consensus pairs: %w", err)
	}

	for _, r := range runs {
		_, err := tx.Exec(`
			INSERT INTO detector_runs
				(id, recording_id, detector, beats, mean_hr, error, elapsed_ns, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			r.ID, recordingID, r.Detector, r.Beats, r.MeanHR, r.Error,
			r.Elapsed.Nanoseconds(), r.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert detector run %s: %w", r.Detector, err)
		}
	}

	for _, p := range pairs {
		_, err := tx.Exec(`
			INSERT INTO consensus_pairs
				(recording_id, detector_a, detector_b, correlation, matching_beats, missing_beats_duration)
			VALUES (?,?,?,?,?,?)`,
			recordingID, p.A, p.B,
			p.Score.Correlation, p.Score.MatchingBeats, p.Score.MissingBeatsDuration,
		)
		if err != nil {
			return fmt.Errorf("failed to insert pair %s/%s: %w", p.A, p.B, err)
		}
	}

	return nil
}

// GetDetectorRuns returns the runs of a recording in insertion order.
func (s *Storage) GetDetectorRuns(recordingID string) ([]DetectorRun, error) {
	rows, err := s.db.Query(`
		SELECT id, recording_id, detector, beats, mean_hr, error, elapsed_ns, created_at
		FROM detector_runs WHERE recording_id = ? ORDER BY rowid`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detector runs: %w", err)
	}
	defer rows.Close()

	var runs []DetectorRun
	for rows.Next() {
		var r DetectorRun
		var elapsedNano, createdAtNano int64
		err := rows.Scan(
			&r.ID, &r.RecordingID, &r.Detector, &r.Beats, &r.MeanHR, &r.Error,
			&elapsedNano, &createdAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detector run: %w", err)
		}
		r.Elapsed = time.Duration(elapsedNano)
		r.CreatedAt = time.Unix(0, createdAtNano)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetPairs returns the consensus pairs of a recording, best first.
func (s *Storage) GetPairs(recordingID string) ([]consensus.Pair, error) {
	rows, err := s.db.Query(`
		SELECT detector_a, detector_b, correlation, matching_beats, missing_beats_duration
		FROM consensus_pairs WHERE recording_id = ? ORDER BY correlation DESC, detector_a, detector_b`,
		recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query consensus pairs: %w", err)
	}
	defer rows.Close()

	var pairs []consensus.Pair
	for rows.Next() {
		var p consensus.Pair
		err := rows.Scan(&p.A, &p.B, &p.Score.Correlation, &p.Score.MatchingBeats, &p.Score.MissingBeatsDuration)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consensus pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// SaveFeatures stores every row of table and its stage failures, replacing
// earlier rows of the recording.
func (s *Storage) SaveFeatures(recordingID string, table *aggregate.Table) error {
	return s.withTx(func(tx *sql.Tx) error {
		return saveFeatures(tx, recordingID, table)
	})
}

func saveFeatures(tx *sql.Tx, recordingID string, table *aggregate.Table) error {
	keysJSON, err := json.Marshal(table.Schema.Keys())
	if err != nil {
		return fmt.Errorf("failed to marshal feature keys: %w", err)
	}
	labelCol, hasLabel := table.Schema.Index(aggregate.Label)

	res, err := tx.Exec(`UPDATE recordings SET feature_keys=? WHERE id=?`, string(keysJSON), recordingID)
	if err != nil {
		return fmt.Errorf("failed to store feature keys: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording not found: %s", recordingID)
	}
	for _, stmt := range []string{
		`DELETE FROM feature_rows WHERE recording_id = ?`,
		`DELETE FROM window_diagnostics WHERE recording_id = ?`,
	} {
		if _, err := tx.Exec(stmt, recordingID); err != nil {
			return fmt.Errorf("failed to clear features: %w", err)
		}
	}

	insertRow, err := tx.Prepare(`
		INSERT INTO feature_rows (recording_id, interval_index, label, feature_values)
		VALUES (?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare feature insert: %w", err)
	}
	defer insertRow.Close()

	for _, row := range table.Rows {
		valuesJSON, err := json.Marshal(row.Values)
		if err != nil {
			return fmt.Errorf("failed to marshal row %d: %w", row.Index, err)
		}
		var label any
		if hasLabel && row.Values[labelCol].Set {
			label = row.Values[labelCol].V
		}
		if _, err := insertRow.Exec(recordingID, row.Index, label, string(valuesJSON)); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", row.Index, err)
		}
	}

	for _, f := range table.Failures() {
		_, err := tx.Exec(`
			INSERT INTO window_diagnostics (recording_id, interval_index, stage, reason)
			VALUES (?,?,?,?)`,
			recordingID, f.Index, f.Stage.String(), f.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert diagnostic: %w", err)
		}
	}

	return nil
}

// FeatureSet is the stored feature table of one recording.
type FeatureSet struct {
	RecordingID string
	Keys        []string
	Rows        [][]models.Value
}

// GetFeatures returns the stored feature table of a recording ordered by window.
func (s *Storage) GetFeatures(recordingID string) (*FeatureSet, error) {
	var keysJSON string
	err := s.db.QueryRow(`SELECT feature_keys FROM recordings WHERE id = ?`, recordingID).Scan(&keysJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording not found: %s", recordingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature keys: %w", err)
	}

	fs := &FeatureSet{RecordingID: recordingID}
	if err := json.Unmarshal([]byte(keysJSON), &fs.Keys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feature keys: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT feature_values FROM feature_rows
		WHERE recording_id = ? ORDER BY interval_index`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var valuesJSON string
		if err := rows.Scan(&valuesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan feature row: %w", err)
		}
		var values []models.Value
		if err := json.Unmarshal([]byte(valuesJSON), &values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal feature row: %w", err)
		}
		fs.Rows = append(fs.Rows, values)
	}
	return fs, rows.Err()
}

// Diagnostic is a stored stage failure.
type Diagnostic struct {
	Index  int
	Stage  string
	Reason string
}

// GetDiagnostics returns the stage failures of a recording ordered by window.
func (s *Storage) GetDiagnostics(recordingID string) ([]Diagnostic, error) {
	rows, err := s.db.Query(`
		SELECT interval_index, stage, reason FROM window_diagnostics
		WHERE recording_id = ? ORDER BY interval_index, rowid`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []Diagnostic
	for rows.Next() {
		var d Diagnostic
		if err := rows.Scan(&d.Index, &d.Stage, &d.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ErrMixedSchemas is returned by ExportLabeled when exported recordings were
// stored with different feature keys.
var ErrMixedSchemas = errors.New("recordings have different feature keys")

// LabeledRow is one training example.
type LabeledRow struct {
	RecordingID string
	Index       int
	Label       float64
	Values      []models.Value
}

// ExportLabeled returns every row with a defined label from recordings whose
// best detector agreement reaches minCorrelation and that are not flagged,
// ordered by recording then window. It also returns the feature keys of the
// first exported recording.
func (s *Storage) ExportLabeled(minCorrelation float64) ([]string, []LabeledRow, error) {
	rows, err := s.db.Query(`
		SELECT f.recording_id, f.interval_index, f.label, f.feature_values, r.feature_keys
		FROM feature_rows f JOIN recordings r ON r.id = f.recording_id
		WHERE f.label IS NOT NULL AND r.flagged = 0 AND r.best_correlation >= ?
		ORDER BY r.created_at, f.recording_id, f.interval_index`, minCorrelation)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query labeled rows: %w", err)
	}
	defer rows.Close()

	var keys []string
	var firstKeys, firstID string
	var out []LabeledRow
	for rows.Next() {
		var r LabeledRow
		var valuesJSON, keysJSON string
		if err := rows.Scan(&r.RecordingID, &r.Index, &r.Label, &valuesJSON, &keysJSON); err != nil {
			return nil, nil, fmt.Errorf("failed to scan labeled row: %w", err)
		}
		if keys == nil {
			if err := json.Unmarshal([]byte(keysJSON), &keys); err != nil {
				return nil, nil, fmt.Errorf("failed to unmarshal feature keys: %w", err)
			}
			firstKeys, firstID = keysJSON, r.RecordingID
		} else if keysJSON != firstKeys {
			return nil, nil, fmt.Errorf("%w: recordings %s and %s", ErrMixedSchemas, firstID, r.RecordingID)
		}
		if err := json.Unmarshal([]byte(valuesJSON), &r.Values); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal feature row: %w", err)
		}
		out = append(out, r)
	}
	return keys, out, rows.Err()
}

// Stats summarizes the corpus.
type Stats struct {
	Recordings int
	Flagged    int
	Rows       int
	Labeled    int
}

// Stats counts recordings and rows across the corpus.
func (s *Storage) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM recordings),
			(SELECT COUNT(*) FROM recordings WHERE flagged = 1),
			(SELECT COUNT(*) FROM feature_rows),
			(SELECT COUNT(*) FROM feature_rows WHERE label IS NOT NULL)`,
	).Scan(&st.Recordings, &st.Flagged, &st.Rows, &st.Labeled)
	if err != nil {
		return st, fmt.Errorf("failed to compute stats: %w", err)
	}
	return st, nil
}

// RotateRecordings keeps at most maxRecordings newest recordings by created_at.
// Cascading deletes remove detector runs, pairs, rows and diagnostics.
func (s *Storage) RotateRecordings() error {
	return s.withTx(func(tx *sql.Tx) error {
		return rotate(tx, s.maxRecordings)
	})
}

func rotate(tx *sql.Tx, limit int) error {
	if limit <= 0 {
		return nil
	}
	_, err := tx.Exec(`
		DELETE FROM recordings WHERE id NOT IN (
			SELECT id FROM recordings ORDER BY created_at DESC LIMIT ?
		)`, limit)
	if err != nil {
		return fmt.Errorf("failed to rotate recordings: %w", err)
	}
	return nil
}

const recordingCols = `id, ref_file, sampling_freq, start_datetime, exam_duration, created_at`

func scanRecording(scan func(...any) error) (*models.Recording, error) {
	var r models.Recording
	var start sql.NullInt64
	var createdAtNano int64
	err := scan(&r.ID, &r.RefFile, &r.SamplingFreq, &start, &r.ExamDuration, &createdAtNano)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		r.StartDatetime = time.Unix(0, start.Int64).UTC()
	}
	r.CreatedAt = time.Unix(0, createdAtNano)
	return &r, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
