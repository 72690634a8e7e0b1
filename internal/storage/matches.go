package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const matchColumns = `match_id, person_id, display_name, distance_km, birth_date, bio, contacted_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (Match, error) {
	var m Match
	var distance sql.NullFloat64
	var birthDate, bio, contactedAt sql.NullString
	var createdAt string
	if err := row.Scan(&m.MatchID, &m.PersonID, &m.DisplayName, &distance, &birthDate, &bio, &contactedAt, &createdAt); err != nil {
		return Match{}, err
	}
	if distance.Valid {
		d := distance.Float64
		m.DistanceKm = &d
	}
	if bio.Valid {
		b := bio.String
		m.Bio = &b
	}
	var err error
	if m.BirthDate, err = parseNullTime(birthDate); err != nil {
		return Match{}, fmt.Errorf("parsing birth_date for match %s: %w", m.MatchID, err)
	}
	if m.ContactedAt, err = parseNullTime(contactedAt); err != nil {
		return Match{}, fmt.Errorf("parsing contacted_at for match %s: %w", m.MatchID, err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Match{}, fmt.Errorf("parsing created_at for match %s: %w", m.MatchID, err)
	}
	return m, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// --- Matches ---

func (s *Store) GetMatch(id string) (Match, error) {
	m, err := scanMatch(s.db.QueryRow(`SELECT `+matchColumns+` FROM matches WHERE match_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, ErrNotFound
	}
	return m, wrap("get match", err)
}

// PutMatch upserts every column of m.
func (s *Store) PutMatch(m Match) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO matches (`+matchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(match_id) DO UPDATE SET
			person_id = excluded.person_id,
			display_name = excluded.display_name,
			distance_km = excluded.distance_km,
			birth_date = excluded.birth_date,
			bio = excluded.bio,
			contacted_at = excluded.contacted_at`,
		m.MatchID, m.PersonID, m.DisplayName, nullFloat(m.DistanceKm), nullTime(m.BirthDate),
		nullString(m.Bio), nullTime(m.ContactedAt), formatTime(m.CreatedAt),
	)
	return wrap("put match", err)
}

// InsertMatch stores m only if its match_id is unknown. It reports whether a row was written.
func (s *Store) InsertMatch(m Match) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO matches (`+matchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(match_id) DO NOTHING`,
		m.MatchID, m.PersonID, m.DisplayName, nullFloat(m.DistanceKm), nullTime(m.BirthDate),
		nullString(m.Bio), nullTime(m.ContactedAt), formatTime(m.CreatedAt),
	)
	if err != nil {
		return false, wrap("insert match", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("insert match", err)
	}
	return n == 1, nil
}

// MergeMatch writes only the non-nil fields of p. Returns ErrNotFound if the match is absent.
func (s *Store) MergeMatch(id string, p MatchPatch) error {
	if p.empty() {
		_, err := s.GetMatch(id)
		return err
	}

	var sets []string
	var args []any
	if p.DistanceKm != nil {
		sets = append(sets, "distance_km = ?")
		args = append(args, *p.DistanceKm)
	}
	if p.BirthDate != nil {
		sets = append(sets, "birth_date = ?")
		args = append(args, formatTime(*p.BirthDate))
	}
	if p.Bio != nil {
		sets = append(sets, "bio = ?")
		args = append(args, *p.Bio)
	}
	args = append(args, id)

	res, err := s.db.Exec(`UPDATE matches SET `+strings.Join(sets, ", ")+` WHERE match_id = ?`, args...)
	if err != nil {
		return wrap("merge match", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("merge match", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkContacted records that an opener was delivered to the match.
func (s *Store) MarkContacted(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE matches SET contacted_at = ? WHERE match_id = ?`, formatTime(at), id)
	if err != nil {
		return wrap("mark contacted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("mark contacted", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMatch(id string) error {
	res, err := s.db.Exec(`DELETE FROM matches WHERE match_id = ?`, id)
	if err != nil {
		return wrap("delete match", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("delete match", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllMatches returns every stored match in first-seen order.
func (s *Store) AllMatches() ([]Match, error) {
	return s.QueryMatches(nil)
}

// QueryMatches returns the stored matches accepted by pred, in first-seen order.
// A nil pred accepts everything.
func (s *Store) QueryMatches(pred func(Match) bool) ([]Match, error) {
	rows, err := s.db.Query(`SELECT ` + matchColumns + ` FROM matches ORDER BY created_at ASC, match_id ASC`)
	if err != nil {
		return nil, wrap("query matches", err)
	}
	defer rows.Close()

	results := []Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, wrap("query matches", err)
		}
		if pred == nil || pred(m) {
			results = append(results, m)
		}
	}
	return results, wrap("query matches", rows.Err())
}

// CountMatches groups stored matches by distance relative to threshold.
func (s *Store) CountMatches(threshold float64) (MatchTotals, error) {
	var t MatchTotals
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN distance_km < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN distance_km >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN distance_km IS NULL THEN 1 ELSE 0 END), 0)
		FROM matches`, threshold, threshold,
	).Scan(&t.Total, &t.Under, &t.AtOrOver, &t.Unknown)
	return t, wrap("count matches", err)
}

// --- Account profile ---

func (s *Store) GetProfile() (AccountProfile, error) {
	var p AccountProfile
	var interests, fetchedAt string
	err := s.db.QueryRow(`SELECT account_id, bio, interests, fetched_at FROM account_profile WHERE id = 1`).
		Scan(&p.AccountID, &p.Bio, &interests, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountProfile{}, ErrNotFound
	}
	if err != nil {
		return AccountProfile{}, wrap("get profile", err)
	}
	if err := json.Unmarshal([]byte(interests), &p.Interests); err != nil {
		return AccountProfile{}, wrap("get profile", fmt.Errorf("parsing interests: %w", err))
	}
	if p.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return AccountProfile{}, wrap("get profile", fmt.Errorf("parsing fetched_at: %w", err))
	}
	return p, nil
}

func (s *Store) PutProfile(p AccountProfile) error {
	if p.Interests == nil {
		p.Interests = []string{}
	}
	interests, err := json.Marshal(p.Interests)
	if err != nil {
		return wrap("put profile", err)
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO account_profile (id, account_id, bio, interests, fetched_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET account_id = excluded.account_id, bio = excluded.bio,
			interests = excluded.interests, fetched_at = excluded.fetched_at`,
		p.AccountID, p.Bio, string(interests), formatTime(p.FetchedAt),
	)
	return wrap("put profile", err)
}
