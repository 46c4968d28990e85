package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sealmark/sealmark/internal/model"
)

// InsertScan persists a completed scan with its evidence in one
// transaction.
func InsertScan(database *sql.DB, s *model.ScanResult) error {
	tx, err := database.Begin()
	if err != nil {
		return fmt.Errorf("begin scan insert: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO scan_results (id, source_name, verdict, matched_session_id, matched_tenant_id,
		  matched_user_id, confidence, frames_examined, frames_recovered, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SourceName, s.Verdict, s.MatchedSessionID, s.MatchedTenantID, s.MatchedUserID,
		s.Confidence, s.FramesExamined, s.FramesRecovered,
		s.StartedAt.UTC().Format(time.RFC3339), s.CompletedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert scan %s: %w", s.ID, err)
	}

	for _, ev := range s.Evidence {
		_, err = tx.Exec(
			`INSERT INTO scan_evidence (scan_id, frame_index, sha256, outcome, confidence, shift_x, shift_y)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.ID, ev.FrameIndex, ev.SHA256, ev.Outcome, ev.Confidence, ev.ShiftX, ev.ShiftY,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert scan evidence %s/%d: %w", s.ID, ev.FrameIndex, err)
		}
	}

	return tx.Commit()
}

// GetScan loads a scan and its evidence, or nil when the id is unknown.
func GetScan(database *sql.DB, id string) (*model.ScanResult, error) {
	s := &model.ScanResult{}
	var startedAt, completedAt SQLiteTime
	err := database.QueryRow(
		`SELECT id, source_name, verdict, matched_session_id, matched_tenant_id, matched_user_id,
		  confidence, frames_examined, frames_recovered, started_at, completed_at
		 FROM scan_results WHERE id = ?`, id,
	).Scan(&s.ID, &s.SourceName, &s.Verdict, &s.MatchedSessionID, &s.MatchedTenantID,
		&s.MatchedUserID, &s.Confidence, &s.FramesExamined, &s.FramesRecovered,
		&startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.StartedAt = startedAt.Time
	s.CompletedAt = completedAt.Time

	rows, err := database.Query(
		`SELECT frame_index, sha256, outcome, confidence, shift_x, shift_y
		 FROM scan_evidence WHERE scan_id = ? ORDER BY frame_index ASC`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ev model.EvidenceSample
		if err := rows.Scan(&ev.FrameIndex, &ev.SHA256, &ev.Outcome, &ev.Confidence, &ev.ShiftX, &ev.ShiftY); err != nil {
			return nil, err
		}
		s.Evidence = append(s.Evidence, ev)
	}
	return s, rows.Err()
}

// ListScans returns recent scan summaries, newest first, without
// evidence rows.
func ListScans(database *sql.DB, limit int) ([]model.ScanResult, error) {
	rows, err := database.Query(
		`SELECT id, source_name, verdict, matched_session_id, matched_tenant_id, matched_user_id,
		  confidence, frames_examined, frames_recovered, started_at, completed_at
		 FROM scan_results ORDER BY completed_at DESC, id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []model.ScanResult
	for rows.Next() {
		var s model.ScanResult
		var startedAt, completedAt SQLiteTime
		err := rows.Scan(&s.ID, &s.SourceName, &s.Verdict, &s.MatchedSessionID, &s.MatchedTenantID,
			&s.MatchedUserID, &s.Confidence, &s.FramesExamined, &s.FramesRecovered,
			&startedAt, &completedAt)
		if err != nil {
			return nil, err
		}
		s.StartedAt = startedAt.Time
		s.CompletedAt = completedAt.Time
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// AppendNote attaches an investigation note to a scan. Notes are
// append-only; the scan row itself is never updated.
func AppendNote(database *sql.DB, n *model.InvestigationUpdate) error {
	_, err := database.Exec(
		`INSERT INTO investigation_notes (id, scan_id, author, disposition, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.ScanID, n.Author, n.Disposition, n.Note, n.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// NotesForScan returns a scan's notes, oldest first.
func NotesForScan(database *sql.DB, scanID string) ([]model.InvestigationUpdate, error) {
	rows, err := database.Query(
		`SELECT id, scan_id, author, disposition, note, created_at
		 FROM investigation_notes WHERE scan_id = ? ORDER BY created_at ASC, id ASC`, scanID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []model.InvestigationUpdate
	for rows.Next() {
		var n model.InvestigationUpdate
		var createdAt SQLiteTime
		if err := rows.Scan(&n.ID, &n.ScanID, &n.Author, &n.Disposition, &n.Note, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt = createdAt.Time
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteScansBefore prunes scans completed before cutoff. Evidence and
// notes go with them via the schema's cascades.
func DeleteScansBefore(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(
		`DELETE FROM scan_results WHERE completed_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
