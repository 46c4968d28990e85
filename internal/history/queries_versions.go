package history

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/sealmark/sealmark/internal/model"
)

// Nonces are stored as zero-padded hex TEXT. SQLite integers are signed
// 64-bit, which would mangle the upper half of the nonce space.
func nonceHex(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

func parseNonce(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse nonce %q: %w", s, err)
	}
	return n, nil
}

// AppendVersion records a payload version. The (session, nonce) pair is
// unique; appending the same rotation twice is an error.
func AppendVersion(database *sql.DB, v *model.PayloadVersion) error {
	var until *string
	if v.ValidUntil != nil {
		s := v.ValidUntil.UTC().Format(time.RFC3339)
		until = &s
	}
	_, err := database.Exec(
		`INSERT INTO watermark_versions (session_id, tenant_id, user_id, nonce, format_version, issued_at, valid_from, valid_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Payload.SessionID, v.Payload.TenantID, v.Payload.UserID,
		nonceHex(v.Payload.Nonce), v.Payload.FormatVersion,
		v.Payload.IssuedAt.UTC().Format(time.RFC3339),
		v.ValidFrom.UTC().Format(time.RFC3339),
		until,
	)
	return err
}

// CloseVersion stamps the validity end of a still-open version.
func CloseVersion(database *sql.DB, sessionID string, nonce uint64, until time.Time) error {
	_, err := database.Exec(
		`UPDATE watermark_versions SET valid_until = ?
		 WHERE session_id = ? AND nonce = ? AND valid_until IS NULL`,
		until.UTC().Format(time.RFC3339), sessionID, nonceHex(nonce),
	)
	return err
}

// ActiveVersion returns the session's open version, or nil when the
// session has none.
func ActiveVersion(database *sql.DB, sessionID string) (*model.PayloadVersion, error) {
	row := database.QueryRow(
		`SELECT session_id, tenant_id, user_id, nonce, format_version, issued_at, valid_from, valid_until
		 FROM watermark_versions
		 WHERE session_id = ? AND valid_until IS NULL
		 ORDER BY valid_from DESC LIMIT 1`, sessionID,
	)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// FindVersionByNonce looks up one rotation version, open or closed. This
// is the detector's attribution query: a recovered payload names its
// session and nonce, and the history confirms the pair and supplies the
// validity window. Returns nil when the pair was never recorded.
func FindVersionByNonce(database *sql.DB, sessionID string, nonce uint64) (*model.PayloadVersion, error) {
	row := database.QueryRow(
		`SELECT session_id, tenant_id, user_id, nonce, format_version, issued_at, valid_from, valid_until
		 FROM watermark_versions
		 WHERE session_id = ? AND nonce = ?`, sessionID, nonceHex(nonce),
	)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// VersionsForSession returns the session's full rotation history, oldest
// first.
func VersionsForSession(database *sql.DB, sessionID string) ([]model.PayloadVersion, error) {
	rows, err := database.Query(
		`SELECT session_id, tenant_id, user_id, nonce, format_version, issued_at, valid_from, valid_until
		 FROM watermark_versions
		 WHERE session_id = ?
		 ORDER BY valid_from ASC, nonce ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []model.PayloadVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// SessionIdentities returns every (session, tenant, user) triple the
// version history knows about. The detector derives candidate keys from
// these when a scan arrives without a suspect list.
func SessionIdentities(database *sql.DB) ([]model.SessionMeta, error) {
	rows, err := database.Query(
		`SELECT DISTINCT session_id, tenant_id, user_id
		 FROM watermark_versions
		 ORDER BY session_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var idents []model.SessionMeta
	for rows.Next() {
		var m model.SessionMeta
		if err := rows.Scan(&m.SessionID, &m.TenantID, &m.UserID); err != nil {
			return nil, err
		}
		idents = append(idents, m)
	}
	return idents, rows.Err()
}

// DeleteVersionsBefore prunes closed versions whose validity ended before
// cutoff. Open versions are never touched.
func DeleteVersionsBefore(database *sql.DB, cutoff time.Time) (int64, error) {
	res, err := database.Exec(
		`DELETE FROM watermark_versions
		 WHERE valid_until IS NOT NULL AND valid_until < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*model.PayloadVersion, error) {
	v := &model.PayloadVersion{}
	var nonce string
	var until *string
	var issuedAt, validFrom SQLiteTime
	err := row.Scan(&v.Payload.SessionID, &v.Payload.TenantID, &v.Payload.UserID,
		&nonce, &v.Payload.FormatVersion, &issuedAt, &validFrom, &until)
	if err != nil {
		return nil, err
	}
	v.Payload.Nonce, err = parseNonce(nonce)
	if err != nil {
		return nil, err
	}
	v.Payload.IssuedAt = issuedAt.Time
	v.ValidFrom = validFrom.Time
	if until != nil {
		t, err := time.Parse(time.RFC3339, *until)
		if err != nil {
			return nil, fmt.Errorf("parse valid_until %q: %w", *until, err)
		}
		v.ValidUntil = &t
	}
	return v, nil
}
