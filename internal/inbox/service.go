// Package inbox persists contacts, conversations and messages.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyhub/replyhub/internal/db"
)

var (
	// ErrMessageNotFound is returned when a message lookup misses.
	ErrMessageNotFound = errors.New("message not found")
	// ErrConversationNotFound is returned when a conversation lookup misses.
	ErrConversationNotFound = errors.New("conversation not found")
)

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// GetOrCreateContact resolves the contact row for (accountID, externalID),
// creating it if needed. Two receive loops may race on the same new contact;
// the losing insert hits the unique constraint and re-reads the winner's row.
// A non-empty name never gets overwritten by an empty one.
func (s *Service) GetOrCreateContact(ctx context.Context, accountID, externalID, name, avatarURL string) (Contact, error) {
	pgAccountID, err := db.ParseUUID(accountID)
	if err != nil {
		return Contact{}, err
	}

	contact, err := s.getContact(ctx, pgAccountID, externalID)
	if err == nil {
		return s.refreshContact(ctx, contact, name, avatarURL)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, fmt.Errorf("query contact: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO contacts (account_id, external_id, name, avatar_url)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, account_id, external_id, name, avatar_url, created_at`,
		pgAccountID, externalID, db.TextToPg(name), db.TextToPg(avatarURL))
	contact, err = scanContact(row)
	if err == nil {
		return contact, nil
	}
	if !db.IsUniqueViolation(err) {
		return Contact{}, fmt.Errorf("insert contact: %w", err)
	}

	// Lost the insert race. The winner's row exists now.
	contact, err = s.getContact(ctx, pgAccountID, externalID)
	if err != nil {
		return Contact{}, fmt.Errorf("re-read contact after conflict: %w", err)
	}
	return s.refreshContact(ctx, contact, name, avatarURL)
}

func (s *Service) getContact(ctx context.Context, accountID pgtype.UUID, externalID string) (Contact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, external_id, name, avatar_url, created_at
		 FROM contacts WHERE account_id = $1 AND external_id = $2`,
		accountID, externalID)
	return scanContact(row)
}

// refreshContact fills in profile fields the stored row is missing.
func (s *Service) refreshContact(ctx context.Context, contact Contact, name, avatarURL string) (Contact, error) {
	setName := name != "" && contact.Name == ""
	setAvatar := avatarURL != "" && contact.AvatarURL == ""
	if !setName && !setAvatar {
		return contact, nil
	}
	pgID, err := db.ParseUUID(contact.ID)
	if err != nil {
		return Contact{}, err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE contacts
		 SET name = COALESCE(NULLIF(name, ''), $2),
		     avatar_url = COALESCE(NULLIF(avatar_url, ''), $3),
		     updated_at = now()
		 WHERE id = $1`,
		pgID, db.TextToPg(name), db.TextToPg(avatarURL))
	if err != nil {
		return Contact{}, fmt.Errorf("update contact profile: %w", err)
	}
	if setName {
		contact.Name = name
	}
	if setAvatar {
		contact.AvatarURL = avatarURL
	}
	return contact, nil
}

// GetOrCreateConversation resolves the conversation for (accountID, chatID),
// creating it against the given contact if needed. The same unique-violation
// re-read applies as for contacts.
func (s *Service) GetOrCreateConversation(ctx context.Context, accountID, contactID, chatID string, isGroup bool) (Conversation, error) {
	pgAccountID, err := db.ParseUUID(accountID)
	if err != nil {
		return Conversation{}, err
	}
	pgContactID, err := db.ParseUUID(contactID)
	if err != nil {
		return Conversation{}, err
	}

	conv, err := s.getConversationByChat(ctx, pgAccountID, chatID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (account_id, contact_id, chat_id, is_group)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, account_id, contact_id, chat_id, is_group, unread_count, last_activity_at, created_at`,
		pgAccountID, pgContactID, db.TextToPg(chatID), isGroup)
	conv, err = scanConversation(row)
	if err == nil {
		return conv, nil
	}
	if !db.IsUniqueViolation(err) {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	conv, err = s.getConversationByChat(ctx, pgAccountID, chatID)
	if err != nil {
		return Conversation{}, fmt.Errorf("re-read conversation after conflict: %w", err)
	}
	return conv, nil
}

func (s *Service) getConversationByChat(ctx context.Context, accountID pgtype.UUID, chatID string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, contact_id, chat_id, is_group, unread_count, last_activity_at, created_at
		 FROM conversations WHERE account_id = $1 AND chat_id = $2`,
		accountID, db.TextToPg(chatID))
	return scanConversation(row)
}

func (s *Service) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	pgID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, contact_id, chat_id, is_group, unread_count, last_activity_at, created_at
		 FROM conversations WHERE id = $1`, pgID)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns the account's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, accountID string) ([]Conversation, error) {
	pgAccountID, err := db.ParseUUID(accountID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, contact_id, chat_id, is_group, unread_count, last_activity_at, created_at
		 FROM conversations WHERE account_id = $1
		 ORDER BY last_activity_at DESC`, pgAccountID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// BumpConversation advances last activity and optionally increments unread.
func (s *Service) BumpConversation(ctx context.Context, conversationID string, at time.Time, incrementUnread bool) error {
	pgID, err := db.ParseUUID(conversationID)
	if err != nil {
		return err
	}
	increment := 0
	if incrementUnread {
		increment = 1
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE conversations
		 SET last_activity_at = GREATEST(last_activity_at, $2),
		     unread_count = unread_count + $3
		 WHERE id = $1`,
		pgID, db.TimeToPg(at), increment)
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	return nil
}

// ResetUnread marks the conversation read.
func (s *Service) ResetUnread(ctx context.Context, conversationID string) error {
	pgID, err := db.ParseUUID(conversationID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE conversations SET unread_count = 0 WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, channel_kind, channel_message_id, sender_kind,
	content_kind, body, media_url, media_mime, status, error_text, reply_to_id, sent_at, created_at`

func (s *Service) GetMessage(ctx context.Context, messageID string) (Message, error) {
	pgID, err := db.ParseUUID(messageID)
	if err != nil {
		return Message{}, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetMessageByChannelID looks a message up by its channel-side identity. Used
// both for inbound dedup and for resolving reply targets.
func (s *Service) GetMessageByChannelID(ctx context.Context, channelKind, channelMessageID string) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel_kind = $1 AND channel_message_id = $2`,
		channelKind, channelMessageID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return msg, err
}

// InsertMessage writes one message row. A duplicate channel message id
// surfaces as a unique violation; callers treat that as an already-processed
// message, checkable with db.IsUniqueViolation.
func (s *Service) InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error) {
	pgConvID, err := db.ParseUUID(params.ConversationID)
	if err != nil {
		return Message{}, err
	}
	var pgReplyTo pgtype.UUID
	if params.ReplyToID != "" {
		pgReplyTo, err = db.ParseUUID(params.ReplyToID)
		if err != nil {
			return Message{}, err
		}
	}
	status := params.Status
	if status == "" {
		status = StatusPending
	}
	contentKind := params.ContentKind
	if contentKind == "" {
		contentKind = "text"
	}
	sentAt := params.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, channel_kind, channel_message_id, sender_kind,
		                       content_kind, body, media_url, media_mime, status, reply_to_id, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+messageColumns,
		pgConvID, params.ChannelKind, db.TextToPg(params.ChannelMessageID), params.SenderKind,
		contentKind, db.TextToPg(params.Body), db.TextToPg(params.MediaURL),
		db.TextToPg(params.MediaMime), status, pgReplyTo, db.TimeToPg(sentAt))
	return scanMessage(row)
}

// ListMessages returns messages in a conversation, oldest first, up to limit.
func (s *Service) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	pgConvID, err := db.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at
		 LIMIT $2`, pgConvID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// FinalizeMessage moves a pending message to a terminal status, recording the
// channel-assigned id on success or the failure text otherwise. The pending
// guard in the WHERE clause makes the transition happen at most once; the
// boolean reports whether this call won.
func (s *Service) FinalizeMessage(ctx context.Context, messageID, status, channelMessageID, errorText string) (bool, error) {
	pgID, err := db.ParseUUID(messageID)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages
		 SET status = $2,
		     channel_message_id = COALESCE(NULLIF($3, ''), channel_message_id),
		     error_text = NULLIF($4, '')
		 WHERE id = $1 AND status = 'pending'`,
		pgID, status, channelMessageID, errorText)
	if err != nil {
		return false, fmt.Errorf("finalize message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanContact(row pgx.Row) (Contact, error) {
	var (
		contact   Contact
		pgID      pgtype.UUID
		pgAccount pgtype.UUID
		name      pgtype.Text
		avatar    pgtype.Text
		pgCreated pgtype.Timestamptz
	)
	if err := row.Scan(&pgID, &pgAccount, &contact.ExternalID, &name, &avatar, &pgCreated); err != nil {
		return Contact{}, err
	}
	contact.ID = db.UUIDToString(pgID)
	contact.AccountID = db.UUIDToString(pgAccount)
	contact.Name = db.TextToString(name)
	contact.AvatarURL = db.TextToString(avatar)
	contact.CreatedAt = db.TimeFromPg(pgCreated)
	return contact, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv       Conversation
		pgID       pgtype.UUID
		pgAccount  pgtype.UUID
		pgContact  pgtype.UUID
		chatID     pgtype.Text
		pgActivity pgtype.Timestamptz
		pgCreated  pgtype.Timestamptz
	)
	err := row.Scan(&pgID, &pgAccount, &pgContact, &chatID, &conv.IsGroup,
		&conv.UnreadCount, &pgActivity, &pgCreated)
	if err != nil {
		return Conversation{}, err
	}
	conv.ID = db.UUIDToString(pgID)
	conv.AccountID = db.UUIDToString(pgAccount)
	conv.ContactID = db.UUIDToString(pgContact)
	conv.ChatID = db.TextToString(chatID)
	conv.LastActivityAt = db.TimeFromPg(pgActivity)
	conv.CreatedAt = db.TimeFromPg(pgCreated)
	return conv, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg       Message
		pgID      pgtype.UUID
		pgConv    pgtype.UUID
		channelID pgtype.Text
		body      pgtype.Text
		mediaURL  pgtype.Text
		mediaMime pgtype.Text
		errorText pgtype.Text
		replyTo   pgtype.UUID
		pgSentAt  pgtype.Timestamptz
		pgCreated pgtype.Timestamptz
	)
	err := row.Scan(&pgID, &pgConv, &msg.ChannelKind, &channelID, &msg.SenderKind,
		&msg.ContentKind, &body, &mediaURL, &mediaMime, &msg.Status, &errorText,
		&replyTo, &pgSentAt, &pgCreated)
	if err != nil {
		return Message{}, err
	}
	msg.ID = db.UUIDToString(pgID)
	msg.ConversationID = db.UUIDToString(pgConv)
	msg.ChannelMessageID = db.TextToString(channelID)
	msg.Body = db.TextToString(body)
	msg.MediaURL = db.TextToString(mediaURL)
	msg.MediaMime = db.TextToString(mediaMime)
	msg.ErrorText = db.TextToString(errorText)
	if replyTo.Valid {
		msg.ReplyToID = db.UUIDToString(replyTo)
	}
	msg.SentAt = db.TimeFromPg(pgSentAt)
	msg.CreatedAt = db.TimeFromPg(pgCreated)
	return msg, nil
}
