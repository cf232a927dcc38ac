package security

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

// ErrUnknownCode is returned by Approve for a code that is not pending or has
// expired.
var ErrUnknownCode = errors.New("unknown or expired pairing code")

// PairingConfig configures the DM pairing system.
type PairingConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	TTLDays int           // how long an approval lasts, 0 for forever
	CodeTTL time.Duration // how long a pending code is valid (default: 10m)
	Now     func() time.Time
}

// PairingService manages user pairing for direct chats. An unpaired user gets
// a one-time code; an operator approves it out of band and the user is
// allowed from then on. Pending codes live in the database so the approving
// CLI and the running gateway can be different processes.
type PairingService struct {
	db      *sql.DB
	logger  *slog.Logger
	ttlDays int
	codeTTL time.Duration
	now     func() time.Time
}

// PairedUser is an approved sender.
type PairedUser struct {
	AccountID string
	UserID    string
	PairedAt  time.Time
	ExpiresAt time.Time // zero when the pairing never expires
}

// PairingRequest is a code waiting for approval.
type PairingRequest struct {
	Code      string
	AccountID string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewPairingService creates a new PairingService.
func NewPairingService(cfg PairingConfig) *PairingService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PairingService{
		db:      cfg.DB,
		logger:  cfg.Logger,
		ttlDays: cfg.TTLDays,
		codeTTL: cfg.CodeTTL,
		now:     cfg.Now,
	}
}

// IsPaired checks if a user is paired for the given account.
func (ps *PairingService) IsPaired(ctx context.Context, accountID, userID string) (bool, error) {
	var count int
	err := ps.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paired_users
		 WHERE account_id = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		accountID, userID, ps.now().UTC(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return count > 0, nil
}

// Request returns the pending code for the user, creating one when none is
// valid. Repeated messages from the same user get the same code until it
// expires.
func (ps *PairingService) Request(ctx context.Context, accountID, userID string) (string, error) {
	now := ps.now().UTC()

	var code string
	err := ps.db.QueryRowContext(ctx,
		`SELECT code FROM pairing_requests WHERE account_id = ? AND user_id = ? AND expires_at > ?`,
		accountID, userID, now,
	).Scan(&code)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup pairing request: %w", err)
	}

	code = generateSecureCode(6)
	if _, err := ps.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_requests (code, account_id, user_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		code, accountID, userID, now, now.Add(ps.codeTTL),
	); err != nil {
		return "", fmt.Errorf("store pairing request: %w", err)
	}

	ps.logger.Info("pairing code generated", "account", accountID, "user_id", userID)
	return code, nil
}

// Approve pairs the user that requested code and consumes the code.
func (ps *PairingService) Approve(ctx context.Context, code string) (PairedUser, error) {
	now := ps.now().UTC()

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return PairedUser{}, err
	}
	defer tx.Rollback()

	var u PairedUser
	err = tx.QueryRowContext(ctx,
		`SELECT account_id, user_id FROM pairing_requests WHERE code = ? AND expires_at > ?`,
		code, now,
	).Scan(&u.AccountID, &u.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return PairedUser{}, ErrUnknownCode
	}
	if err != nil {
		return PairedUser{}, fmt.Errorf("lookup pairing code: %w", err)
	}

	u.PairedAt = now
	var expiresAt *time.Time
	if ps.ttlDays > 0 {
		t := now.AddDate(0, 0, ps.ttlDays)
		expiresAt = &t
		u.ExpiresAt = t
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO paired_users (account_id, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		u.AccountID, u.UserID, now, expiresAt,
	); err != nil {
		return PairedUser{}, fmt.Errorf("pair user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, code); err != nil {
		return PairedUser{}, err
	}
	if err := tx.Commit(); err != nil {
		return PairedUser{}, err
	}

	ps.logger.Info("user paired", "account", u.AccountID, "user_id", u.UserID)
	return u, nil
}

// Unpair removes a user's pairing. It reports whether a pairing existed.
func (ps *PairingService) Unpair(ctx context.Context, accountID, userID string) (bool, error) {
	res, err := ps.db.ExecContext(ctx,
		"DELETE FROM paired_users WHERE account_id = ? AND user_id = ?",
		accountID, userID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Paired lists approved users, optionally filtered by account.
func (ps *PairingService) Paired(ctx context.Context, accountID string) ([]PairedUser, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT account_id, user_id, paired_at, expires_at FROM paired_users
		 WHERE (? = '' OR account_id = ?) ORDER BY account_id, paired_at`,
		accountID, accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairedUser
	for rows.Next() {
		var (
			u       PairedUser
			expires sql.NullTime
		)
		if err := rows.Scan(&u.AccountID, &u.UserID, &u.PairedAt, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			u.ExpiresAt = expires.Time
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Pending lists codes that have not expired, optionally filtered by account.
func (ps *PairingService) Pending(ctx context.Context, accountID string) ([]PairingRequest, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT code, account_id, user_id, created_at, expires_at FROM pairing_requests
		 WHERE (? = '' OR account_id = ?) AND expires_at > ? ORDER BY created_at`,
		accountID, accountID, ps.now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairingRequest
	for rows.Next() {
		var r PairingRequest
		if err := rows.Scan(&r.Code, &r.AccountID, &r.UserID, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CleanExpiredCodes removes expired pending codes. Call periodically.
func (ps *PairingService) CleanExpiredCodes(ctx context.Context) (int64, error) {
	res, err := ps.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE expires_at <= ?`, ps.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// generateSecureCode generates a cryptographically random numeric code of the given length.
func generateSecureCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}
