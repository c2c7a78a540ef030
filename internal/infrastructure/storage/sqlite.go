package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Storage provides SQLite database access for payments, registrations and
// pending imports. It implements the Repository interface.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time check that Storage implements Repository
var _ Repository = (*Storage)(nil)

// NewStorage opens the SQLite database at dbPath and applies migrations.
func NewStorage(dbPath string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// single writer; keeps transactions from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Storage{db: db, logger: logger}

	if err := s.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- payments ----

const paymentColumns = `id, source, payment_id, transaction_id, status, customer_email, customer_name,
	amount, currency, timestamp, alt_payment_ids, matched_registration_id, match_confidence,
	match_method, match_details, matched_at, matched_by, previous_match_cleared,
	match_cleared_at, match_cleared_reason`

func scanPayment(row rowScanner) (*model.Payment, error) {
	var (
		p             model.Payment
		source        string
		ts            sql.NullTime
		altIDs        string
		matchedReg    sql.NullString
		confidence    sql.NullInt64
		method        sql.NullString
		details       sql.NullString
		matchedAt     sql.NullTime
		matchedBy     sql.NullString
		prevCleared   sql.NullString
		clearedAt     sql.NullTime
		clearedReason sql.NullString
	)

	err := row.Scan(
		&p.ID, &source, &p.PaymentID, &p.TransactionID, &p.Status, &p.CustomerEmail, &p.CustomerName,
		&p.Amount, &p.Currency, &ts, &altIDs, &matchedReg, &confidence,
		&method, &details, &matchedAt, &matchedBy, &prevCleared,
		&clearedAt, &clearedReason,
	)
	if err != nil {
		return nil, err
	}

	p.Source = model.Source(source)
	if ts.Valid {
		p.Timestamp = ts.Time
	}
	if altIDs != "" && altIDs != "{}" {
		_ = json.Unmarshal([]byte(altIDs), &p.AltPaymentIDs)
	}
	p.MatchedRegistrationID = matchedReg.String
	if confidence.Valid {
		c := int(confidence.Int64)
		p.MatchConfidence = &c
	}
	p.MatchMethod = model.MatchMethod(method.String)
	if details.Valid && details.String != "" {
		_ = json.Unmarshal([]byte(details.String), &p.MatchDetails)
	}
	if matchedAt.Valid {
		t := matchedAt.Time
		p.MatchedAt = &t
	}
	p.MatchedBy = matchedBy.String
	p.PreviousMatchCleared = prevCleared.String
	if clearedAt.Valid {
		t := clearedAt.Time
		p.MatchClearedAt = &t
	}
	p.MatchClearedReason = clearedReason.String

	return &p, nil
}

// GetPayment retrieves a payment by store id, falling back to provider paymentId
func (s *Storage) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
	WHERE id = ? OR payment_id = ?
	ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END
	LIMIT 1`

	p, err := scanPayment(s.db.QueryRowContext(ctx, query, id, id, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments returns payments matching filter, newest first
func (s *Storage) ListPayments(ctx context.Context, filter PaymentFilter) ([]*model.Payment, error) {
	var (
		where []string
		args  []any
	)
	if filter.MaxConfidence > 0 {
		where = append(where, "(match_confidence IS NULL OR match_confidence < ?)")
		args = append(args, filter.MaxConfidence)
	}
	if filter.MatchedOnly {
		where = append(where, "(matched_registration_id IS NOT NULL AND matched_registration_id != '')")
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// FindPaymentByProviderID returns a settled payment for a provider id
func (s *Storage) FindPaymentByProviderID(ctx context.Context, source model.Source, providerID string, statuses []string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE source = ? AND payment_id = ?`
	args := []any{string(source), providerID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY timestamp DESC LIMIT 1"

	p, err := scanPayment(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return p, nil
}

// UpsertPayment inserts or replaces a payment
func (s *Storage) UpsertPayment(ctx context.Context, p *model.Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	altIDs, _ := json.Marshal(p.AltPaymentIDs)

	var details any
	if p.MatchDetails != nil {
		b, _ := json.Marshal(p.MatchDetails)
		details = string(b)
	}
	var confidence any
	if p.MatchConfidence != nil {
		confidence = *p.MatchConfidence
	}

	query := `
	INSERT OR REPLACE INTO payments
	(id, source, payment_id, transaction_id, status, customer_email, customer_name,
	 amount, currency, timestamp, alt_payment_ids, matched_registration_id, linked_registration_id,
	 match_confidence, match_method, match_details, matched_at, matched_by,
	 previous_match_cleared, match_cleared_at, match_cleared_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		string(p.Source),
		p.PaymentID,
		p.TransactionID,
		p.Status,
		p.CustomerEmail,
		p.CustomerName,
		p.Amount.String(),
		p.Currency,
		p.Timestamp.UTC(),
		string(altIDs),
		nullString(p.MatchedRegistrationID),
		nullString(p.MatchedRegistrationID),
		confidence,
		nullString(string(p.MatchMethod)),
		details,
		nullTime(p.MatchedAt),
		nullString(p.MatchedBy),
		nullString(p.PreviousMatchCleared),
		nullTime(p.MatchClearedAt),
		nullString(p.MatchClearedReason),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert payment: %w", err)
	}
	return nil
}

// SaveMatch writes the match fields of a payment in a single UPDATE
func (s *Storage) SaveMatch(ctx context.Context, paymentID string, rec model.MatchRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to encode match details: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE payments SET
		matched_registration_id = ?,
		linked_registration_id = ?,
		match_confidence = ?,
		match_method = ?,
		match_details = ?,
		matched_at = ?,
		matched_by = ?
	WHERE id = ?`,
		rec.RegistrationID,
		rec.RegistrationID,
		rec.Confidence,
		string(rec.Method),
		string(details),
		rec.MatchedAt.UTC(),
		rec.MatchedBy,
		paymentID,
	)
	if err != nil {
		return fmt.Errorf("failed to save match: %w", err)
	}
	return requireAffected(res, "payment", paymentID)
}

// ClearMatch removes every match field of a payment in a single UPDATE
func (s *Storage) ClearMatch(ctx context.Context, paymentID string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE payments SET
		matched_registration_id = NULL,
		linked_registration_id = NULL,
		match_confidence = NULL,
		match_method = NULL,
		match_details = NULL,
		matched_at = NULL,
		matched_by = NULL
	WHERE id = ?`, paymentID)
	if err != nil {
		return fmt.Errorf("failed to clear match: %w", err)
	}
	return requireAffected(res, "payment", paymentID)
}

// RevokeMatch clears the match fields and records the registration it pointed at
func (s *Storage) RevokeMatch(ctx context.Context, paymentID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE payments SET
		previous_match_cleared = matched_registration_id,
		match_cleared_at = ?,
		match_cleared_reason = ?,
		matched_registration_id = NULL,
		linked_registration_id = NULL,
		match_confidence = NULL,
		match_method = NULL,
		match_details = NULL,
		matched_at = NULL,
		matched_by = NULL
	WHERE id = ?`, at.UTC(), reason, paymentID)
	if err != nil {
		return fmt.Errorf("failed to revoke match: %w", err)
	}
	return requireAffected(res, "payment", paymentID)
}

// ---- registrations ----

const registrationColumns = `id, registration_id, confirmation_number, stripe_payment_intent_id,
	square_payment_id, payment_intent_id, registration_type, payment_status, total_amount,
	customer_email, created_at, registration_data, extra_payment_refs, linked_payment_id,
	transaction_id, payment_verified, previously_pending_since, resolved_after_checks`

var registrationFieldColumns = map[model.RegistrationField]string{
	model.FieldStripePaymentIntentID: "stripe_payment_intent_id",
	model.FieldNestedPaymentIntentID: "payment_intent_id",
	model.FieldSquarePaymentID:       "square_payment_id",
	model.FieldConfirmationNumber:    "confirmation_number",
}

func scanRegistration(row rowScanner) (*model.Registration, error) {
	var (
		r           model.Registration
		regType     string
		createdAt   sql.NullTime
		data        string
		extraRefs   string
		pendingFrom sql.NullTime
	)

	err := row.Scan(
		&r.ID, &r.RegistrationID, &r.ConfirmationNumber, &r.StripePaymentIntentID,
		&r.SquarePaymentID, &r.RegistrationData.PaymentIntentID, &regType, &r.PaymentStatus, &r.TotalAmount,
		&r.CustomerEmail, &createdAt, &data, &extraRefs, &r.LinkedPaymentID,
		&r.TransactionID, &r.PaymentVerified, &pendingFrom, &r.ResolvedAfterChecks,
	)
	if err != nil {
		return nil, err
	}

	intentID := r.RegistrationData.PaymentIntentID
	if data != "" && data != "{}" {
		_ = json.Unmarshal([]byte(data), &r.RegistrationData)
	}
	r.RegistrationData.PaymentIntentID = intentID
	if extraRefs != "" && extraRefs != "{}" {
		_ = json.Unmarshal([]byte(extraRefs), &r.ExtraPaymentRefs)
	}
	r.RegistrationType = model.RegistrationType(regType)
	if createdAt.Valid {
		r.CreatedAt = createdAt.Time
	}
	if pendingFrom.Valid {
		t := pendingFrom.Time
		r.PreviouslyPendingSince = &t
	}

	return &r, nil
}

// GetRegistration retrieves a registration by store id or registrationId
func (s *Storage) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations
	WHERE id = ? OR registration_id = ?
	ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END
	LIMIT 1`

	r, err := scanRegistration(s.db.QueryRowContext(ctx, query, id, id, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("registration %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return r, nil
}

// FindRegistrationByField returns the oldest registration whose field equals value
func (s *Storage) FindRegistrationByField(ctx context.Context, field model.RegistrationField, value string) (*model.Registration, error) {
	column, ok := registrationFieldColumns[field]
	if !ok {
		return nil, fmt.Errorf("unsupported registration field %q", field)
	}
	if value == "" {
		return nil, nil
	}

	query := `SELECT ` + registrationColumns + ` FROM registrations
	WHERE ` + column + ` = ?
	ORDER BY created_at, id
	LIMIT 1`

	r, err := scanRegistration(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find registration: %w", err)
	}
	return r, nil
}

// UpsertRegistration inserts or replaces a registration
func (s *Storage) UpsertRegistration(ctx context.Context, r *model.Registration) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return upsertRegistration(ctx, s.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRegistration(ctx context.Context, db execer, r *model.Registration) error {
	data, _ := json.Marshal(r.RegistrationData)
	extraRefs, _ := json.Marshal(r.ExtraPaymentRefs)

	query := `
	INSERT OR REPLACE INTO registrations
	(id, registration_id, confirmation_number, stripe_payment_intent_id, square_payment_id,
	 payment_intent_id, registration_type, payment_status, total_amount, customer_email,
	 created_at, registration_data, extra_payment_refs, linked_payment_id, transaction_id,
	 payment_verified, previously_pending_since, resolved_after_checks)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		r.ID,
		r.RegistrationID,
		r.ConfirmationNumber,
		r.StripePaymentIntentID,
		r.SquarePaymentID,
		r.RegistrationData.PaymentIntentID,
		string(r.RegistrationType),
		r.PaymentStatus,
		r.TotalAmount.String(),
		r.CustomerEmail,
		r.CreatedAt.UTC(),
		string(data),
		string(extraRefs),
		r.LinkedPaymentID,
		r.TransactionID,
		r.PaymentVerified,
		nullTime(r.PreviouslyPendingSince),
		r.ResolvedAfterChecks,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert registration: %w", err)
	}
	return nil
}

// LinkPayment writes linkedPaymentId and transactionId onto a registration
func (s *Storage) LinkPayment(ctx context.Context, registrationID, paymentID, transactionID string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE registrations SET linked_payment_id = ?, transaction_id = ?
	WHERE id = ?`, paymentID, transactionID, registrationID)
	if err != nil {
		return fmt.Errorf("failed to link payment: %w", err)
	}
	return requireAffected(res, "registration", registrationID)
}

// ---- pending imports ----

const pendingColumns = `id, registration, pending_since, attempted_payment_ids, last_check_date, check_count, reason`

func scanPending(row rowScanner, extra ...any) (*model.PendingImport, error) {
	var (
		p         model.PendingImport
		reg       string
		attempted string
		lastCheck sql.NullTime
	)

	dest := []any{&p.ID, &reg, &p.PendingSince, &attempted, &lastCheck, &p.CheckCount, &p.Reason}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(reg), &p.Registration); err != nil {
		return nil, fmt.Errorf("failed to decode pending registration %s: %w", p.ID, err)
	}
	if attempted != "" {
		_ = json.Unmarshal([]byte(attempted), &p.AttemptedPaymentIDs)
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		p.LastCheckDate = &t
	}
	return &p, nil
}

// ListPendingImports returns pending imports oldest first
func (s *Storage) ListPendingImports(ctx context.Context, limit int) ([]*model.PendingImport, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_imports ORDER BY pending_since, id` + limitClause(limit, 0)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending imports: %w", err)
	}
	defer rows.Close()

	var out []*model.PendingImport
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePendingImport inserts or replaces a pending import
func (s *Storage) SavePendingImport(ctx context.Context, p *model.PendingImport) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	reg, err := json.Marshal(p.Registration)
	if err != nil {
		return fmt.Errorf("failed to encode pending registration: %w", err)
	}
	attempted, _ := json.Marshal(p.AttemptedPaymentIDs)

	_, err = s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO pending_imports (`+pendingColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(reg), p.PendingSince.UTC(), string(attempted), nullTime(p.LastCheckDate), p.CheckCount, p.Reason)
	if err != nil {
		return fmt.Errorf("failed to save pending import: %w", err)
	}
	return nil
}

// RecordPendingCheck stores the outcome of an unsuccessful check
func (s *Storage) RecordPendingCheck(ctx context.Context, id string, checkCount int, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE pending_imports SET check_count = ?, reason = ?, last_check_date = ?
	WHERE id = ?`, checkCount, reason, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record pending check: %w", err)
	}
	return requireAffected(res, "pending import", id)
}

// ResolvePendingImport inserts the promoted registration and removes the
// pending record in one transaction
func (s *Storage) ResolvePendingImport(ctx context.Context, id string, r *model.Registration) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertRegistration(ctx, tx, r); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_imports WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete pending import: %w", err)
		}
		return requireAffected(res, "pending import", id)
	})
}

// FailPendingImport moves a pending record into failed_registrations in one transaction
func (s *Storage) FailPendingImport(ctx context.Context, f *model.FailedRegistration) error {
	reg, err := json.Marshal(f.Registration)
	if err != nil {
		return fmt.Errorf("failed to encode failed registration: %w", err)
	}
	attempted, _ := json.Marshal(f.AttemptedPaymentIDs)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO failed_registrations (`+pendingColumns+`, failure_reason, failed_at, final_check_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, string(reg), f.PendingSince.UTC(), string(attempted), nullTime(f.LastCheckDate),
			f.CheckCount, f.Reason, f.FailureReason, f.FailedAt.UTC(), f.FinalCheckCount)
		if err != nil {
			return fmt.Errorf("failed to insert failed registration: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_imports WHERE id = ?`, f.ID)
		if err != nil {
			return fmt.Errorf("failed to delete pending import: %w", err)
		}
		return requireAffected(res, "pending import", f.ID)
	})
}

// ListFailedRegistrations returns failed registrations, most recent first
func (s *Storage) ListFailedRegistrations(ctx context.Context, limit int) ([]*model.FailedRegistration, error) {
	query := `SELECT ` + pendingColumns + `, failure_reason, failed_at, final_check_count
	FROM failed_registrations ORDER BY failed_at DESC, id` + limitClause(limit, 0)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed registrations: %w", err)
	}
	defer rows.Close()

	var out []*model.FailedRegistration
	for rows.Next() {
		f := &model.FailedRegistration{}
		p, err := scanPending(rows, &f.FailureReason, &f.FailedAt, &f.FinalCheckCount)
		if err != nil {
			return nil, err
		}
		f.PendingImport = *p
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---- helpers ----

func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", resource, id, ErrNotFound)
	}
	return nil
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		if offset > 0 {
			return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
		}
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
