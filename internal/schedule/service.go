// Package schedule queues messages for later delivery and dispatches the due
// ones on a cron tick.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/outbound"
	"github.com/replyhub/replyhub/internal/db"
	"github.com/replyhub/replyhub/internal/inbox"
)

// ErrNotFound is returned when the scheduled message does not exist.
var ErrNotFound = errors.New("scheduled message not found")

// Sender delivers a claimed message. The outbound pipeline implements it.
type Sender interface {
	Send(ctx context.Context, req outbound.SendRequest) (inbox.Message, error)
}

// Scheduled is one queued message.
type Scheduled struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ContentKind    string    `json:"contentKind"`
	Body           string    `json:"body,omitempty"`
	MediaURL       string    `json:"mediaUrl,omitempty"`
	SendAt         time.Time `json:"sendAt"`
	DispatchedAt   time.Time `json:"dispatchedAt,omitzero"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CreateParams describes a new scheduled message.
type CreateParams struct {
	ConversationID string
	UserID         string
	ContentKind    string
	Body           string
	MediaURL       string
	SendAt         time.Time
}

type Service struct {
	pool   *pgxpool.Pool
	sender Sender
	logger *slog.Logger
	cron   *cron.Cron
}

func NewService(pool *pgxpool.Pool, sender Sender, logger *slog.Logger) *Service {
	return &Service{
		pool:   pool,
		sender: sender,
		logger: logger.With(slog.String("component", "schedule")),
		cron:   cron.New(),
	}
}

// Start begins the dispatch loop. The tick claims and sends everything due.
func (s *Service) Start() error {
	_, err := s.cron.AddFunc("@every 30s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.DispatchDue(ctx)
	})
	if err != nil {
		return fmt.Errorf("register dispatch job: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the dispatch loop and waits for a running tick to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Create queues a message for later delivery.
func (s *Service) Create(ctx context.Context, params CreateParams) (Scheduled, error) {
	pgConvID, err := db.ParseUUID(params.ConversationID)
	if err != nil {
		return Scheduled{}, err
	}
	pgUserID, err := db.ParseUUID(params.UserID)
	if err != nil {
		return Scheduled{}, err
	}
	if params.SendAt.Before(time.Now()) {
		return Scheduled{}, errors.New("send_at must be in the future")
	}
	contentKind := params.ContentKind
	if contentKind == "" {
		contentKind = "text"
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO scheduled_messages (conversation_id, user_id, content_kind, body, media_url, send_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, conversation_id, user_id, content_kind, body, media_url, send_at, dispatched_at, created_at`,
		pgConvID, pgUserID, contentKind, db.TextToPg(params.Body),
		db.TextToPg(params.MediaURL), db.TimeToPg(params.SendAt))
	return scanScheduled(row)
}

// List returns the pending queue for a conversation.
func (s *Service) List(ctx context.Context, conversationID string) ([]Scheduled, error) {
	pgConvID, err := db.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, content_kind, body, media_url, send_at, dispatched_at, created_at
		 FROM scheduled_messages
		 WHERE conversation_id = $1 AND dispatched_at IS NULL
		 ORDER BY send_at`, pgConvID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}
	defer rows.Close()

	var out []Scheduled
	for rows.Next() {
		item, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Cancel removes a queued message that has not been dispatched yet.
func (s *Service) Cancel(ctx context.Context, scheduledID string) error {
	pgID, err := db.ParseUUID(scheduledID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scheduled_messages WHERE id = $1 AND dispatched_at IS NULL`, pgID)
	if err != nil {
		return fmt.Errorf("cancel scheduled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DispatchDue claims everything whose send time has passed and hands it to
// the outbound pipeline. Claiming stamps dispatched_at atomically, so two
// ticks never send the same message twice.
func (s *Service) DispatchDue(ctx context.Context) {
	rows, err := s.pool.Query(ctx,
		`UPDATE scheduled_messages
		 SET dispatched_at = now()
		 WHERE send_at <= now() AND dispatched_at IS NULL
		 RETURNING id, conversation_id, user_id, content_kind, body, media_url, send_at, dispatched_at, created_at`)
	if err != nil {
		s.logger.Error("claim due messages failed", "error", err)
		return
	}
	defer rows.Close()

	var claimed []Scheduled
	for rows.Next() {
		item, err := scanScheduled(rows)
		if err != nil {
			s.logger.Error("scan scheduled row failed", "error", err)
			return
		}
		claimed = append(claimed, item)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("read due messages failed", "error", err)
		return
	}

	for _, item := range claimed {
		_, err := s.sender.Send(ctx, outbound.SendRequest{
			ConversationID: item.ConversationID,
			UserID:         item.UserID,
			Payload: channel.OutboundPayload{
				Content:  channel.ContentKind(item.ContentKind),
				Text:     item.Body,
				MediaURL: item.MediaURL,
			},
		})
		if err != nil {
			s.logger.Error("dispatch scheduled message failed",
				"scheduled_id", item.ID, "conversation_id", item.ConversationID, "error", err)
			continue
		}
		s.logger.Info("dispatched scheduled message",
			"scheduled_id", item.ID, "conversation_id", item.ConversationID)
	}
}

func scanScheduled(row pgx.Row) (Scheduled, error) {
	var (
		item         Scheduled
		pgID         pgtype.UUID
		pgConvID     pgtype.UUID
		pgUserID     pgtype.UUID
		body         pgtype.Text
		mediaURL     pgtype.Text
		sendAt       pgtype.Timestamptz
		dispatchedAt pgtype.Timestamptz
		createdAt    pgtype.Timestamptz
	)
	err := row.Scan(&pgID, &pgConvID, &pgUserID, &item.ContentKind, &body, &mediaURL,
		&sendAt, &dispatchedAt, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Scheduled{}, ErrNotFound
		}
		return Scheduled{}, fmt.Errorf("query scheduled: %w", err)
	}
	item.ID = db.UUIDToString(pgID)
	item.ConversationID = db.UUIDToString(pgConvID)
	item.UserID = db.UUIDToString(pgUserID)
	item.Body = db.TextToString(body)
	item.MediaURL = db.TextToString(mediaURL)
	item.SendAt = db.TimeFromPg(sendAt)
	item.DispatchedAt = db.TimeFromPg(dispatchedAt)
	item.CreatedAt = db.TimeFromPg(createdAt)
	return item, nil
}
