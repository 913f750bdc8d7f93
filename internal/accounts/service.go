// Package accounts persists channel accounts, their connection status and the
// per-user access grants.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/db"
)

// Grant roles, ordered from widest to narrowest.
const (
	RoleOwner = "owner"
	RoleFull  = "full"
	RoleSend  = "send"
	RoleRead  = "read"
)

// ErrForbidden is returned when a user lacks the grant an operation needs.
var ErrForbidden = errors.New("account access denied")

// AccountView is the API-facing shape of a channel account. Credentials are
// never included.
type AccountView struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Kind            string    `json:"kind"`
	ExternalID      string    `json:"externalId,omitempty"`
	DisplayName     string    `json:"displayName,omitempty"`
	Status          string    `json:"status"`
	StatusDetail    string    `json:"statusDetail,omitempty"`
	LastConnectedAt time.Time `json:"lastConnectedAt,omitzero"`
	CreatedAt       time.Time `json:"createdAt"`
}

// CreateParams describes a new account link request.
type CreateParams struct {
	UserID      string
	Kind        channel.Kind
	ExternalID  string
	DisplayName string
	Credentials map[string]any
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const accountColumns = `id, user_id, channel_kind, external_id, display_name,
	credentials, status, status_detail, last_connected_at, created_at`

// Create links a new channel account and grants the creating user ownership.
func (s *Service) Create(ctx context.Context, params CreateParams) (AccountView, error) {
	pgUserID, err := db.ParseUUID(params.UserID)
	if err != nil {
		return AccountView{}, err
	}
	creds, err := json.Marshal(params.Credentials)
	if err != nil {
		return AccountView{}, fmt.Errorf("encode credentials: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AccountView{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`INSERT INTO channel_accounts (user_id, channel_kind, external_id, display_name, credentials)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+accountColumns,
		pgUserID, params.Kind.String(), db.TextToPg(params.ExternalID),
		db.TextToPg(params.DisplayName), creds)
	view, _, err := scanAccount(row)
	if err != nil {
		return AccountView{}, err
	}

	pgAccountID, err := db.ParseUUID(view.ID)
	if err != nil {
		return AccountView{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO account_grants (account_id, user_id, role) VALUES ($1, $2, $3)`,
		pgAccountID, pgUserID, RoleOwner); err != nil {
		return AccountView{}, fmt.Errorf("grant owner: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AccountView{}, fmt.Errorf("commit: %w", err)
	}
	return view, nil
}

// Get returns the account with credentials, as the channel layer needs them.
func (s *Service) Get(ctx context.Context, accountID string) (channel.Account, error) {
	view, creds, err := s.get(ctx, accountID)
	if err != nil {
		return channel.Account{}, err
	}
	return toChannelAccount(view, creds), nil
}

// GetView returns the credential-free account shape for API responses.
func (s *Service) GetView(ctx context.Context, accountID string) (AccountView, error) {
	view, _, err := s.get(ctx, accountID)
	return view, err
}

func (s *Service) get(ctx context.Context, accountID string) (AccountView, map[string]any, error) {
	pgID, err := db.ParseUUID(accountID)
	if err != nil {
		return AccountView{}, nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE id = $1`, pgID)
	view, creds, err := scanAccount(row)
	if err != nil {
		return AccountView{}, nil, err
	}
	return view, creds, nil
}

// ListForUser returns accounts the user can see through any grant.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]AccountView, error) {
	pgUserID, err := db.ParseUUID(userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts a
		 WHERE EXISTS (
		     SELECT 1 FROM account_grants g
		     WHERE g.account_id = a.id AND g.user_id = $1
		 )
		 ORDER BY a.created_at`, pgUserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListRestorable returns accounts of the given kind whose sessions should be
// brought back at startup: anything that has connected successfully at least
// once and is not parked in the error state. Error accounts require an
// explicit reconnect and are skipped.
func (s *Service) ListRestorable(ctx context.Context, kind channel.Kind) ([]channel.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts
		 WHERE channel_kind = $1
		   AND status IN ('connected', 'connecting', 'disconnected')
		   AND last_connected_at IS NOT NULL`,
		kind.String())
	if err != nil {
		return nil, fmt.Errorf("list restorable accounts: %w", err)
	}
	defer rows.Close()

	var out []channel.Account
	for rows.Next() {
		view, creds, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, toChannelAccount(view, creds))
	}
	return out, rows.Err()
}

// UpdateStatus records a status transition.
func (s *Service) UpdateStatus(ctx context.Context, accountID string, status channel.Status, detail string) error {
	pgID, err := db.ParseUUID(accountID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE channel_accounts
		 SET status = $2, status_detail = $3, updated_at = now()
		 WHERE id = $1`,
		pgID, status.String(), db.TextToPg(detail))
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

// TouchConnected stamps the last successful connect time.
func (s *Service) TouchConnected(ctx context.Context, accountID string) error {
	pgID, err := db.ParseUUID(accountID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE channel_accounts SET last_connected_at = now(), updated_at = now() WHERE id = $1`,
		pgID)
	if err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	return nil
}

// UpdateExternalID records the channel-side identity once a connect learns it,
// e.g. the phone number or bot username.
func (s *Service) UpdateExternalID(ctx context.Context, accountID, externalID string) error {
	pgID, err := db.ParseUUID(accountID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE channel_accounts SET external_id = $2, updated_at = now() WHERE id = $1`,
		pgID, db.TextToPg(externalID))
	if err != nil {
		return fmt.Errorf("update account external id: %w", err)
	}
	return nil
}

// Delete removes the account. Grants, contacts, conversations and messages go
// with it through cascading deletes.
func (s *Service) Delete(ctx context.Context, accountID string) error {
	pgID, err := db.ParseUUID(accountID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM channel_accounts WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return channel.ErrAccountNotFound
	}
	return nil
}

// Role returns the user's grant role for the account, or ErrForbidden.
func (s *Service) Role(ctx context.Context, accountID, userID string) (string, error) {
	pgAccountID, err := db.ParseUUID(accountID)
	if err != nil {
		return "", err
	}
	pgUserID, err := db.ParseUUID(userID)
	if err != nil {
		return "", err
	}
	var role string
	err = s.pool.QueryRow(ctx,
		`SELECT role FROM account_grants WHERE account_id = $1 AND user_id = $2`,
		pgAccountID, pgUserID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrForbidden
	}
	if err != nil {
		return "", fmt.Errorf("query grant: %w", err)
	}
	return role, nil
}

// CanSend reports whether the user's grant allows sending on the account.
func (s *Service) CanSend(ctx context.Context, accountID, userID string) error {
	role, err := s.Role(ctx, accountID, userID)
	if err != nil {
		return err
	}
	switch role {
	case RoleOwner, RoleFull, RoleSend:
		return nil
	default:
		return ErrForbidden
	}
}

// CanManage reports whether the user's grant allows lifecycle operations
// (reconnect, disconnect, remove).
func (s *Service) CanManage(ctx context.Context, accountID, userID string) error {
	role, err := s.Role(ctx, accountID, userID)
	if err != nil {
		return err
	}
	switch role {
	case RoleOwner, RoleFull:
		return nil
	default:
		return ErrForbidden
	}
}

// Grant upserts a user's role on an account.
func (s *Service) Grant(ctx context.Context, accountID, userID, role string) error {
	pgAccountID, err := db.ParseUUID(accountID)
	if err != nil {
		return err
	}
	pgUserID, err := db.ParseUUID(userID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO account_grants (account_id, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		pgAccountID, pgUserID, role)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func toChannelAccount(view AccountView, creds map[string]any) channel.Account {
	return channel.Account{
		ID:          view.ID,
		UserID:      view.UserID,
		Kind:        channel.Kind(view.Kind),
		ExternalID:  view.ExternalID,
		Credentials: creds,
	}
}

func collectAccounts(rows pgx.Rows) ([]AccountView, error) {
	var out []AccountView
	for rows.Next() {
		view, _, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (AccountView, map[string]any, error) {
	var (
		view          AccountView
		pgID          pgtype.UUID
		pgUserID      pgtype.UUID
		externalID    pgtype.Text
		displayName   pgtype.Text
		credsRaw      []byte
		statusDetail  pgtype.Text
		lastConnected pgtype.Timestamptz
		pgCreated     pgtype.Timestamptz
	)
	err := row.Scan(&pgID, &pgUserID, &view.Kind, &externalID, &displayName,
		&credsRaw, &view.Status, &statusDetail, &lastConnected, &pgCreated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountView{}, nil, channel.ErrAccountNotFound
		}
		return AccountView{}, nil, fmt.Errorf("query account: %w", err)
	}
	view.ID = db.UUIDToString(pgID)
	view.UserID = db.UUIDToString(pgUserID)
	view.ExternalID = db.TextToString(externalID)
	view.DisplayName = db.TextToString(displayName)
	view.StatusDetail = db.TextToString(statusDetail)
	view.LastConnectedAt = db.TimeFromPg(lastConnected)
	view.CreatedAt = db.TimeFromPg(pgCreated)

	creds := map[string]any{}
	if len(credsRaw) > 0 {
		if err := json.Unmarshal(credsRaw, &creds); err != nil {
			return AccountView{}, nil, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return view, creds, nil
}
