package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/talentbase/resumeflow/pkg/models"
)

// ErrRaceCondition signals that another writer flipped the latest version
// first; the caller aborts without consuming credit.
var ErrRaceCondition = errors.New("race condition: latest version was superseded concurrently")

// Record is the durable candidate row. Contact originals arrive already
// encrypted; only masked strings and dedup hashes are stored in clear.
type Record struct {
	ID     string
	UserID string
	JobID  string

	Name            string
	MaskedPhone     string
	MaskedEmail     string
	MaskedAddress   string
	PhoneEncrypted  string
	EmailEncrypted  string
	PhoneHash       string
	EmailHash       string
	PhonePrefixHash string
	BirthYear       int

	Candidate *models.Candidate
	Warnings  []any

	ParentID string
}

// ChunkRow is one chunk ready for insertion.
type ChunkRow struct {
	Index    int
	Type     string
	Content  string
	Metadata map[string]any
	Vector   []float32
}

// Match is a dedup waterfall hit.
type Match struct {
	CandidateID string
	Confidence  float64
	Rule        string
}

// Store runs candidate persistence over the shared client.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a Store.
func NewStore(client *Client, logger *slog.Logger) *Store {
	return &Store{db: client.DB(), logger: logger.With("component", "persistence")}
}

// dedupRules is the waterfall, in order; the first hit wins.
var dedupRules = []struct {
	name       string
	confidence float64
	where      string
	args       func(r *Record) []any
}{
	{
		name: "phone_hash", confidence: 1.0,
		where: "phone_hash = $2 AND phone_hash <> ''",
		args:  func(r *Record) []any { return []any{r.PhoneHash} },
	},
	{
		name: "email_hash", confidence: 0.95,
		where: "email_hash = $2 AND email_hash <> ''",
		args:  func(r *Record) []any { return []any{r.EmailHash} },
	},
	{
		name: "name_phone_prefix", confidence: 0.85,
		where: "name = $2 AND phone_prefix_hash = $3 AND phone_prefix_hash <> ''",
		args:  func(r *Record) []any { return []any{r.Name, r.PhonePrefixHash} },
	},
	{
		name: "name_birth_year", confidence: 0.70,
		where: "name = $2 AND birth_year = $3 AND birth_year > 0",
		args:  func(r *Record) []any { return []any{r.Name, r.BirthYear} },
	},
}

// FindDuplicate walks the dedup waterfall within the user's latest rows.
func (s *Store) FindDuplicate(ctx context.Context, r *Record) (*Match, error) {
	for _, rule := range dedupRules {
		if empty(rule.args(r)) {
			continue
		}
		query := fmt.Sprintf(
			"SELECT id FROM candidates WHERE user_id = $1 AND is_latest AND status <> 'deleted' AND %s LIMIT 1",
			rule.where)
		args := append([]any{r.UserID}, rule.args(r)...)

		var id string
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dedup rule %s: %w", rule.name, err)
		}
		s.logger.Info("duplicate candidate found",
			"rule", rule.name, "confidence", rule.confidence, "existing_id", id)
		return &Match{CandidateID: id, Confidence: rule.confidence, Rule: rule.name}, nil
	}
	return nil, nil
}

func empty(args []any) bool {
	for _, a := range args {
		switch v := a.(type) {
		case string:
			if v == "" {
				return true
			}
		case int:
			if v == 0 {
				return true
			}
		}
	}
	return false
}

// Supersede flips the existing latest row to is_latest=false with a CAS
// guard, verifies the transition, and deletes the prior version's chunks;
// the new version's chunks replace them. Every write records an undo
// action. A row that was already flipped by another writer aborts with
// ErrRaceCondition.
func (s *Store) Supersede(ctx context.Context, existingID string, log *ActionLog) error {
	var wasLatest bool
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT is_latest, updated_at FROM candidates WHERE id = $1", existingID).
		Scan(&wasLatest, &updatedAt)
	if err != nil {
		return fmt.Errorf("reading version to supersede: %w", err)
	}
	if !wasLatest {
		return ErrRaceCondition
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE candidates SET is_latest = FALSE, updated_at = now() WHERE id = $1 AND is_latest",
		existingID)
	if err != nil {
		return fmt.Errorf("superseding version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRaceCondition
	}

	// Verify the transition landed; a zero count here means a concurrent
	// writer got between the read and the update.
	var stillLatest bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT is_latest FROM candidates WHERE id = $1", existingID).Scan(&stillLatest); err != nil {
		return fmt.Errorf("verifying supersede: %w", err)
	}
	if stillLatest {
		return fmt.Errorf("supersede of %s did not take effect", existingID)
	}

	log.Push(Action{
		Table: "candidates",
		Op:    OpRestore,
		ID:    existingID,
		Previous: map[string]any{
			"is_latest":  true,
			"updated_at": updatedAt,
		},
	})

	// The superseded version's chunks are replaced by the new version's.
	// Capture them first so a rollback can put them back.
	snaps, err := s.readChunks(ctx, existingID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM candidate_chunks WHERE candidate_id = $1", existingID); err != nil {
		return fmt.Errorf("deleting superseded chunks: %w", err)
	}
	for _, a := range chunkReinsertActions(existingID, snaps) {
		log.Push(a)
	}
	return nil
}

// chunkSnapshot is one captured chunk row, held for compensation.
type chunkSnapshot struct {
	Index   int
	Type    string
	Content string
	Meta    []byte
	Vec     pgvector.Vector
}

func (s *Store) readChunks(ctx context.Context, candidateID string) ([]chunkSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, chunk_type, content, metadata, embedding
		  FROM candidate_chunks WHERE candidate_id = $1 ORDER BY chunk_index`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("reading chunks to supersede: %w", err)
	}
	defer rows.Close()

	var snaps []chunkSnapshot
	for rows.Next() {
		var c chunkSnapshot
		if err := rows.Scan(&c.Index, &c.Type, &c.Content, &c.Meta, &c.Vec); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		snaps = append(snaps, c)
	}
	return snaps, rows.Err()
}

// chunkReinsertActions builds one undo action per captured chunk so a
// rollback restores the superseded version's chunks verbatim.
func chunkReinsertActions(candidateID string, snaps []chunkSnapshot) []Action {
	actions := make([]Action, 0, len(snaps))
	for _, c := range snaps {
		actions = append(actions, Action{
			Table:    "candidate_chunks",
			Op:       OpReinsert,
			ID:       candidateID,
			IDColumn: "candidate_id",
			Previous: map[string]any{
				"candidate_id": candidateID,
				"chunk_index":  c.Index,
				"chunk_type":   c.Type,
				"content":      c.Content,
				"metadata":     c.Meta,
				"embedding":    c.Vec,
			},
		})
	}
	return actions
}

// Insert writes a new candidate row and returns its id. The row itself
// records no undo action: a failure after this point soft-deletes it
// instead of hard-deleting, so the purge batch keeps an audit trail.
func (s *Store) Insert(ctx context.Context, r *Record, log *ActionLog) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	c := r.Candidate

	careers, _ := json.Marshal(c.Careers)
	educations, _ := json.Marshal(c.Educations)
	skills, _ := json.Marshal(c.Skills)
	projects, _ := json.Marshal(c.Projects)
	urls, _ := json.Marshal(c.URLs)
	strengths, _ := json.Marshal(c.Strengths)
	fieldConf, _ := json.Marshal(c.FieldConfidence)
	warnings, _ := json.Marshal(r.Warnings)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (
			id, user_id, job_id, name,
			masked_phone, masked_email, masked_address,
			phone_encrypted, email_encrypted,
			phone_hash, email_hash, phone_prefix_hash, birth_year,
			exp_years, current_company, current_position,
			careers, educations, skills, projects, urls,
			summary, strengths, match_reason,
			field_confidence, overall_confidence, warnings,
			status, is_latest, parent_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24,
			$25, $26, $27, $28, TRUE, NULLIF($29, '')::uuid
		)`,
		r.ID, r.UserID, r.JobID, r.Name,
		r.MaskedPhone, r.MaskedEmail, r.MaskedAddress,
		nullable(r.PhoneEncrypted), nullable(r.EmailEncrypted),
		nullable(r.PhoneHash), nullable(r.EmailHash), nullable(r.PhonePrefixHash), nullableInt(r.BirthYear),
		c.ExpYears, c.CurrentCompany, c.CurrentPosition,
		careers, educations, skills, projects, urls,
		c.Summary, strengths, c.MatchReason,
		fieldConf, c.OverallConfidence, warnings,
		string(models.StatusCompleted), r.ParentID,
	)
	if err != nil {
		return "", fmt.Errorf("inserting candidate: %w", err)
	}
	return r.ID, nil
}

// InsertChunks writes the chunk batch for a candidate. One undo action
// covers the whole batch so a downstream failure removes every row.
func (s *Store) InsertChunks(ctx context.Context, candidateID string, chunks []ChunkRow, log *ActionLog) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, chunk := range chunks {
		meta, _ := json.Marshal(chunk.Metadata)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO candidate_chunks (candidate_id, chunk_index, chunk_type, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			candidateID, chunk.Index, chunk.Type, chunk.Content, meta,
			pgvector.NewVector(chunk.Vector),
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %d: %w", chunk.Index, err)
		}
	}
	log.Push(Action{Table: "candidate_chunks", Op: OpDelete, ID: candidateID, IDColumn: "candidate_id"})
	return nil
}

// SoftDelete marks a failed candidate row for the purge batch.
func (s *Store) SoftDelete(ctx context.Context, id string, code ErrorCode, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE candidates
		   SET status = 'deleted', error_code = $2, error_message = $3,
		       deleted_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, string(code), message)
	if err != nil {
		return fmt.Errorf("soft-deleting candidate: %w", err)
	}
	return nil
}

// RestoreLatest re-promotes a superseded parent so the user keeps a usable
// latest row after a failed update.
func (s *Store) RestoreLatest(ctx context.Context, parentID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE candidates SET is_latest = TRUE, updated_at = now() WHERE id = $1", parentID)
	if err != nil {
		return fmt.Errorf("restoring parent version: %w", err)
	}
	return nil
}

// UpdateStatus records pipeline progress on the row.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE candidates SET status = $2, updated_at = now() WHERE id = $1", id, string(status))
	return err
}

// HasCredit reports whether the user can pay for one job.
func (s *Store) HasCredit(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT spare_balance > 0 OR monthly_used < monthly_cap
		  FROM user_credits WHERE user_id = $1`, userID).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking credits: %w", err)
	}
	return ok, nil
}

// DebitCredit consumes one credit through the atomic stored procedure.
func (s *Store) DebitCredit(ctx context.Context, userID string) (bool, error) {
	var debited bool
	if err := s.db.QueryRowContext(ctx, "SELECT debit_credit($1)", userID).Scan(&debited); err != nil {
		return false, fmt.Errorf("debiting credit: %w", err)
	}
	return debited, nil
}

// PurgeDeleted hard-deletes soft-deleted rows older than the retention
// window. Returns the number of purged rows.
func (s *Store) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM candidates WHERE status = 'deleted' AND deleted_at < now() - $1::interval",
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purging deleted candidates: %w", err)
	}
	return res.RowsAffected()
}

var phonePrefixRe = regexp.MustCompile(`^0\d{1,2}`)

// PhonePrefix returns the first 4 digits after the national prefix of a
// digits-only phone number; empty when too short.
func PhonePrefix(digits string) string {
	rest := phonePrefixRe.ReplaceAllString(digits, "")
	if len(rest) < 4 {
		return ""
	}
	return rest[:4]
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
