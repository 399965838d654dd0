package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Company domains ---

func (s *Store) GetCompanyDomain(companyKey string) (string, error) {
	var domain string
	err := s.db.QueryRow(`SELECT domain FROM company_domains WHERE company_key = ?`, companyKey).Scan(&domain)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return domain, err
}

func (s *Store) SaveCompanyDomain(companyKey, domain, source string) error {
	_, err := s.db.Exec(`
		INSERT INTO company_domains (company_key, domain, source, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(company_key) DO UPDATE SET domain = excluded.domain, source = excluded.source, updated_at = excluded.updated_at`,
		companyKey, domain, source, now(),
	)
	return err
}

// --- Domain metadata ---

func (s *Store) GetDomainMeta(domain string) (DomainMeta, error) {
	var m DomainMeta
	var hasMX, live, typo, verified int
	var respTime sql.NullInt64
	var lastChecked string
	err := s.db.QueryRow(`
		SELECT domain, has_mx, website_live, is_typo, response_time_ms, confidence_score, verified, source, last_checked
		FROM domain_meta WHERE domain = ?`, domain,
	).Scan(&m.Domain, &hasMX, &live, &typo, &respTime, &m.ConfidenceScore, &verified, &m.Source, &lastChecked)
	if err == sql.ErrNoRows {
		return DomainMeta{}, ErrNotFound
	}
	if err != nil {
		return DomainMeta{}, err
	}
	m.HasMX = hasMX == 1
	m.WebsiteLive = live == 1
	m.IsTypo = typo == 1
	m.Verified = verified == 1
	if respTime.Valid {
		v := respTime.Int64
		m.ResponseTimeMs = &v
	}
	if m.LastChecked, err = parseTime("last_checked", lastChecked); err != nil {
		return DomainMeta{}, err
	}
	return m, nil
}

func (s *Store) SaveDomainMeta(m DomainMeta) error {
	var respTime any
	if m.ResponseTimeMs != nil {
		respTime = *m.ResponseTimeMs
	}
	checked := m.LastChecked
	if checked.IsZero() {
		checked = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO domain_meta (domain, has_mx, website_live, is_typo, response_time_ms, confidence_score, verified, source, last_checked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			has_mx = excluded.has_mx,
			website_live = excluded.website_live,
			is_typo = excluded.is_typo,
			response_time_ms = excluded.response_time_ms,
			confidence_score = excluded.confidence_score,
			verified = excluded.verified,
			source = excluded.source,
			last_checked = excluded.last_checked`,
		m.Domain, boolInt(m.HasMX), boolInt(m.WebsiteLive), boolInt(m.IsTypo), respTime,
		m.ConfidenceScore, boolInt(m.Verified), m.Source, checked.UTC().Format(time.RFC3339),
	)
	return err
}

// --- Pattern cache ---

// LoadPatternRecords returns every persisted (domain, pattern) verification outcome.
func (s *Store) LoadPatternRecords() ([]PatternRecord, error) {
	rows, err := s.db.Query(`SELECT domain, pattern, email, status, verified, checked_at FROM pattern_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatternRecord
	for rows.Next() {
		var r PatternRecord
		var verified int
		var checkedAt string
		if err := rows.Scan(&r.Domain, &r.Pattern, &r.Email, &r.Status, &verified, &checkedAt); err != nil {
			return nil, err
		}
		r.Verified = verified == 1
		if r.CheckedAt, err = parseTime("checked_at", checkedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SavePatternRecords upserts all records in a single transaction.
func (s *Store) SavePatternRecords(records []PatternRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning pattern cache transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pattern_cache (domain, pattern, email, status, verified, checked_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, pattern) DO UPDATE SET
			email = excluded.email,
			status = excluded.status,
			verified = excluded.verified,
			checked_at = excluded.checked_at`)
	if err != nil {
		return fmt.Errorf("preparing pattern cache upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		checked := r.CheckedAt
		if checked.IsZero() {
			checked = time.Now()
		}
		if _, err := stmt.Exec(r.Domain, r.Pattern, r.Email, r.Status, boolInt(r.Verified), checked.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("upserting pattern %s|%s: %w", r.Domain, r.Pattern, err)
		}
	}
	return tx.Commit()
}

// --- Failed verifications ---

// RecordFailedVerification appends a failure entry. The attempt number is one
// more than the number of failures already recorded for the address.
func (s *Store) RecordFailedVerification(email, domain, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO failed_verifications (email, domain, attempt, reason, created_at)
		VALUES (?, ?, (SELECT COUNT(*) + 1 FROM failed_verifications WHERE email = ?), ?, ?)`,
		email, domain, email, reason, now(),
	)
	return err
}

func (s *Store) ListFailedVerifications(email string) ([]FailedVerification, error) {
	rows, err := s.db.Query(`
		SELECT id, email, domain, attempt, reason, created_at FROM failed_verifications
		WHERE email = ? ORDER BY attempt ASC`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedVerification
	for rows.Next() {
		var f FailedVerification
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Email, &f.Domain, &f.Attempt, &f.Reason, &createdAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
