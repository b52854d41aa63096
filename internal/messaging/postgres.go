// internal/messaging/postgres.go

package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// schema is applied by Migrate. The users table belongs to the account
// system and is only created when absent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id           BIGSERIAL PRIMARY KEY,
		username     TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		role         TEXT NOT NULL DEFAULT 'user',
		avatar_url   TEXT,
		email        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id              BIGSERIAL PRIMARY KEY,
		type            TEXT NOT NULL CHECK (type IN ('direct', 'group')),
		name            TEXT,
		direct_key      TEXT UNIQUE,
		pin_policy      TEXT NOT NULL DEFAULT 'members',
		created_by      BIGINT NOT NULL,
		last_message_id BIGINT,
		last_message_at TIMESTAMPTZ,
		event_seq       BIGINT NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		user_id         BIGINT NOT NULL,
		role            TEXT NOT NULL DEFAULT 'member',
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		left_at         TIMESTAMPTZ,
		unread_count    INTEGER NOT NULL DEFAULT 0,
		last_read_at    TIMESTAMPTZ,
		hidden_at       TIMESTAMPTZ,
		cleared_at      TIMESTAMPTZ,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON conversation_members (user_id) WHERE left_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                       BIGSERIAL PRIMARY KEY,
		conversation_id          BIGINT NOT NULL REFERENCES conversations(id),
		sender_id                BIGINT NOT NULL,
		client_message_id        TEXT,
		content                  TEXT,
		attachment_url           TEXT,
		attachment_type          TEXT,
		voice_url                TEXT,
		voice_duration           INTEGER,
		reply_to_id              BIGINT,
		forwarded_from_id        BIGINT,
		forwarded_from_sender_id BIGINT,
		is_edited                BOOLEAN NOT NULL DEFAULT FALSE,
		edited_at                TIMESTAMPTZ,
		is_recalled              BOOLEAN NOT NULL DEFAULT FALSE,
		recalled_at              TIMESTAMPTZ,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (sender_id, client_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS message_visibility (
		message_id BIGINT NOT NULL REFERENCES messages(id),
		user_id    BIGINT NOT NULL,
		hidden     BOOLEAN NOT NULL DEFAULT FALSE,
		hidden_at  TIMESTAMPTZ,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_statuses (
		message_id   BIGINT NOT NULL REFERENCES messages(id),
		user_id      BIGINT NOT NULL,
		delivered_at TIMESTAMPTZ,
		seen_at      TIMESTAMPTZ,
		PRIMARY KEY (message_id, user_id),
		CHECK (seen_at IS NULL OR delivered_at IS NOT NULL)
	)`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id BIGINT NOT NULL REFERENCES messages(id),
		user_id    BIGINT NOT NULL,
		emoji      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
	`CREATE TABLE IF NOT EXISTS pinned_messages (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		message_id      BIGINT NOT NULL REFERENCES messages(id),
		pinned_by       BIGINT NOT NULL,
		pinned_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, message_id)
	)`,
}

// Migrate creates the chat tables
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const (
	conversationColumns = `c.id, c.type, c.name, c.direct_key, c.pin_policy, c.created_by,
		c.last_message_id, c.last_message_at, c.event_seq, c.created_at, c.updated_at`

	memberColumns = `conversation_id, user_id, role, joined_at, left_at, unread_count,
		last_read_at, hidden_at, cleared_at`

	messageColumns = `m.id, m.conversation_id, m.sender_id, m.client_message_id, m.content,
		m.attachment_url, m.attachment_type, m.voice_url, m.voice_duration, m.reply_to_id,
		m.forwarded_from_id, m.forwarded_from_sender_id, m.is_edited, m.edited_at,
		m.is_recalled, m.recalled_at, m.created_at`
)

// mapError classifies driver errors into the package taxonomy
func mapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundf(format, args...)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
		case "23503": // foreign_key_violation
			return notFoundf(format, args...)
		}
	}
	return err
}

func (r *postgresRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// bumpSeq advances the conversation event sequence inside tx
func bumpSeq(ctx context.Context, tx *sqlx.Tx, convID int64) (Commit, error) {
	var seq int64
	err := tx.QueryRowxContext(ctx,
		`UPDATE conversations SET event_seq = event_seq + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING event_seq`, convID).Scan(&seq)
	if err != nil {
		return Commit{}, mapError(err, "conversation %d", convID)
	}
	return Commit{Seq: seq, Changed: true}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Users

func (r *postgresRepository) GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error) {
	var u UserInfo
	err := r.db.GetContext(ctx, &u,
		`SELECT id, username, display_name, role, avatar_url, email FROM users WHERE id = $1`, userID)
	if err != nil {
		return nil, mapError(err, "user %d", userID)
	}
	return &u, nil
}

// Conversations

func (r *postgresRepository) CreateConversation(ctx context.Context, conv *Conversation, members []*Member) (Commit, error) {
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO conversations (type, name, direct_key, pin_policy, created_by, event_seq, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
			 RETURNING id, event_seq, created_at, updated_at`,
			conv.Type, conv.Name, conv.DirectKey, conv.PinPolicy, conv.CreatedBy, conv.CreatedAt,
		).Scan(&conv.ID, &conv.EventSeq, &conv.CreatedAt, &conv.UpdatedAt)
		if err != nil {
			return mapError(err, "create conversation")
		}

		for _, m := range members {
			m.ConversationID = conv.ID
			_, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_members (conversation_id, user_id, role, joined_at)
				 VALUES ($1, $2, $3, $4)`,
				conv.ID, m.UserID, m.Role, m.JoinedAt)
			if err != nil {
				return mapError(err, "add member %d", m.UserID)
			}
		}
		return nil
	})
	if err != nil {
		return Commit{}, err
	}
	return Commit{Seq: conv.EventSeq, Changed: true}, nil
}

func (r *postgresRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := r.db.GetContext(ctx, &c,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
	if err != nil {
		return nil, mapError(err, "conversation %d", id)
	}
	return &c, nil
}

func (r *postgresRepository) FindDirectConversation(ctx context.Context, key string) (*Conversation, error) {
	var c Conversation
	err := r.db.GetContext(ctx, &c,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.direct_key = $1`, key)
	if err != nil {
		return nil, mapError(err, "direct conversation %s", key)
	}
	return &c, nil
}

type conversationRow struct {
	Conversation
	MemberUnread int `db:"member_unread"`
}

func (r *postgresRepository) GetUserConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []conversationRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+conversationColumns+`, cm.unread_count AS member_unread
		 FROM conversations c
		 JOIN conversation_members cm ON cm.conversation_id = c.id
		 WHERE cm.user_id = $1 AND cm.left_at IS NULL
		   AND (cm.hidden_at IS NULL OR c.last_message_at > cm.hidden_at)
		 ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]*Conversation, len(rows))
	for i := range rows {
		c := rows[i].Conversation
		c.UnreadCount = rows[i].MemberUnread
		out[i] = &c
	}
	return out, nil
}

// Members

func (r *postgresRepository) GetMember(ctx context.Context, convID, userID int64) (*Member, error) {
	var m Member
	err := r.db.GetContext(ctx, &m,
		`SELECT `+memberColumns+` FROM conversation_members
		 WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`, convID, userID)
	if err != nil {
		return nil, mapError(err, "member %d in conversation %d", userID, convID)
	}
	return &m, nil
}

func (r *postgresRepository) ListMembers(ctx context.Context, convID int64) ([]*Member, error) {
	members := []*Member{}
	err := r.db.SelectContext(ctx, &members,
		`SELECT `+memberColumns+` FROM conversation_members
		 WHERE conversation_id = $1 AND left_at IS NULL
		 ORDER BY joined_at, user_id`, convID)
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *postgresRepository) AddMembers(ctx context.Context, convID int64, members []*Member) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var changed int64
		for _, m := range members {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_members (conversation_id, user_id, role, joined_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (conversation_id, user_id) DO UPDATE SET
					role = EXCLUDED.role, joined_at = EXCLUDED.joined_at, left_at = NULL,
					unread_count = 0, last_read_at = NULL, hidden_at = NULL, cleared_at = NULL
				 WHERE conversation_members.left_at IS NOT NULL`,
				convID, m.UserID, m.Role, m.JoinedAt)
			if err != nil {
				return mapError(err, "conversation %d", convID)
			}
			n, _ := res.RowsAffected()
			changed += n
		}
		if changed == 0 {
			return nil
		}
		var err error
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, err
}

func (r *postgresRepository) RemoveMember(ctx context.Context, convID, userID int64, at time.Time) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversation_members SET left_at = $3
			 WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`, convID, userID, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFoundf("member %d in conversation %d", userID, convID)
		}
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, err
}

func (r *postgresRepository) UpdateMemberRole(ctx context.Context, convID, userID int64, role string) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.QueryRowxContext(ctx,
			`SELECT role FROM conversation_members
			 WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL FOR UPDATE`,
			convID, userID).Scan(&current)
		if err != nil {
			return mapError(err, "member %d in conversation %d", userID, convID)
		}
		if current == role {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_members SET role = $3 WHERE conversation_id = $1 AND user_id = $2`,
			convID, userID, role); err != nil {
			return err
		}
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, err
}

// updateActiveMember runs a per-viewer update and reports NotFound when the
// viewer is not an active member
func (r *postgresRepository) updateActiveMember(ctx context.Context, convID, userID int64, set string, args ...interface{}) error {
	query := `UPDATE conversation_members SET ` + set +
		` WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, append([]interface{}{convID, userID}, args...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundf("member %d in conversation %d", userID, convID)
	}
	return nil
}

func (r *postgresRepository) HideConversation(ctx context.Context, convID, userID int64, at time.Time) error {
	return r.updateActiveMember(ctx, convID, userID, `hidden_at = $3`, at)
}

func (r *postgresRepository) ClearConversation(ctx context.Context, convID, userID int64, at time.Time) error {
	return r.updateActiveMember(ctx, convID, userID, `cleared_at = $3, unread_count = 0`, at)
}

func (r *postgresRepository) MarkConversationRead(ctx context.Context, convID, userID int64, at time.Time) error {
	return r.updateActiveMember(ctx, convID, userID, `unread_count = 0, last_read_at = $3`, at)
}

func (r *postgresRepository) MarkConversationUnread(ctx context.Context, convID, userID int64) error {
	return r.updateActiveMember(ctx, convID, userID, `unread_count = GREATEST(unread_count, 1)`)
}

// Messages

func (r *postgresRepository) CreateMessage(ctx context.Context, msg *Message, recipientIDs []int64) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO messages (
				conversation_id, sender_id, client_message_id, content, attachment_url,
				attachment_type, voice_url, voice_duration, reply_to_id, forwarded_from_id,
				forwarded_from_sender_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			msg.ConversationID, msg.SenderID, msg.ClientMessageID, msg.Content, msg.AttachmentURL,
			msg.AttachmentType, msg.VoiceURL, msg.VoiceDuration, msg.ReplyToID, msg.ForwardedFromID,
			msg.ForwardedFromSenderID, msg.CreatedAt,
		).Scan(&msg.ID)
		if err != nil {
			return mapError(err, "conversation %d", msg.ConversationID)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_id = $2, last_message_at = $3 WHERE id = $1`,
			msg.ConversationID, msg.ID, msg.CreatedAt); err != nil {
			return err
		}
		if len(recipientIDs) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversation_members SET unread_count = unread_count + 1
				 WHERE conversation_id = $1 AND user_id = ANY($2) AND left_at IS NULL`,
				msg.ConversationID, pq.Array(recipientIDs)); err != nil {
				return err
			}
		}
		c, err = bumpSeq(ctx, tx, msg.ConversationID)
		return err
	})
	return c, err
}

func (r *postgresRepository) CreateMessageStatuses(ctx context.Context, messageID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO message_statuses (message_id, user_id)
		 SELECT $1, unnest($2::bigint[])
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, pq.Array(userIDs))
	return mapError(err, "message %d", messageID)
}

func (r *postgresRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := r.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id)
	if err != nil {
		return nil, mapError(err, "message %d", id)
	}
	return &m, nil
}

func (r *postgresRepository) FindMessageByClientID(ctx context.Context, senderID int64, clientMessageID string) (*Message, error) {
	var m Message
	err := r.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages m WHERE m.sender_id = $1 AND m.client_message_id = $2`,
		senderID, clientMessageID)
	if err != nil {
		return nil, mapError(err, "client message %s", clientMessageID)
	}
	return &m, nil
}

func (r *postgresRepository) UpdateMessageContent(ctx context.Context, id int64, content string, at time.Time) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var convID int64
		err := tx.QueryRowxContext(ctx,
			`UPDATE messages SET content = $2, is_edited = TRUE, edited_at = $3
			 WHERE id = $1 AND is_recalled = FALSE
			 RETURNING conversation_id`, id, content, at).Scan(&convID)
		if err != nil {
			return mapError(err, "message %d", id)
		}
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, err
}

func (r *postgresRepository) RecallMessage(ctx context.Context, id int64, at time.Time) (Commit, bool, error) {
	var (
		c        Commit
		unpinned bool
	)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var (
			convID   int64
			recalled bool
		)
		err := tx.QueryRowxContext(ctx,
			`SELECT conversation_id, is_recalled FROM messages WHERE id = $1 FOR UPDATE`, id,
		).Scan(&convID, &recalled)
		if err != nil {
			return mapError(err, "message %d", id)
		}
		if recalled {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_recalled = TRUE, recalled_at = $2, content = '',
				attachment_url = NULL, attachment_type = NULL, voice_url = NULL, voice_duration = NULL
			 WHERE id = $1`, id, at); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pinned_messages WHERE message_id = $1`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		unpinned = n > 0

		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, unpinned, err
}

// escapeLike quotes LIKE wildcards in user input
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *postgresRepository) ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	search := strings.TrimSpace(q.Search)

	messages := []*Message{}
	err := r.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+`
		 FROM messages m
		 LEFT JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = $2
		 LEFT JOIN message_visibility v ON v.message_id = m.id AND v.user_id = $2
		 WHERE m.conversation_id = $1
		   AND ($3::bigint = 0 OR m.id < $3)
		   AND (cm.cleared_at IS NULL OR m.created_at > cm.cleared_at)
		   AND (v.hidden IS NULL OR v.hidden = FALSE)
		   AND ($4::text = '' OR (m.is_recalled = FALSE AND m.content ILIKE '%' || $4 || '%'))
		 ORDER BY m.id DESC
		 LIMIT $5`,
		q.ConversationID, q.ViewerID, q.BeforeID, escapeLike(search), limit)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Visibility

func (r *postgresRepository) SetMessageHidden(ctx context.Context, messageID, userID int64, hidden bool, at time.Time) (bool, error) {
	var res sql.Result
	var err error
	if hidden {
		res, err = r.db.ExecContext(ctx,
			`INSERT INTO message_visibility (message_id, user_id, hidden, hidden_at)
			 VALUES ($1, $2, TRUE, $3)
			 ON CONFLICT (message_id, user_id) DO UPDATE SET hidden = TRUE, hidden_at = EXCLUDED.hidden_at
			 WHERE message_visibility.hidden = FALSE`, messageID, userID, at)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE message_visibility SET hidden = FALSE, hidden_at = NULL
			 WHERE message_id = $1 AND user_id = $2 AND hidden = TRUE`, messageID, userID)
	}
	if err != nil {
		return false, mapError(err, "message %d", messageID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *postgresRepository) GetMessageVisibility(ctx context.Context, messageID, userID int64) (*MessageVisibility, error) {
	var v MessageVisibility
	err := r.db.GetContext(ctx, &v,
		`SELECT message_id, user_id, hidden, hidden_at FROM message_visibility
		 WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &MessageVisibility{MessageID: messageID, UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Statuses

func (r *postgresRepository) messageConversation(ctx context.Context, tx *sqlx.Tx, messageID int64) (int64, error) {
	var convID int64
	err := tx.QueryRowxContext(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, messageID).Scan(&convID)
	if err != nil {
		return 0, mapError(err, "message %d", messageID)
	}
	return convID, nil
}

func (r *postgresRepository) UpsertMessageStatus(ctx context.Context, messageID, userID int64, seen bool, at time.Time) (Commit, *MessageStatus, error) {
	var (
		c  Commit
		st MessageStatus
	)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		convID, err := r.messageConversation(ctx, tx, messageID)
		if err != nil {
			return err
		}

		// statuses only move forward; an unchanged row returns nothing
		err = tx.GetContext(ctx, &st,
			`INSERT INTO message_statuses (message_id, user_id, delivered_at, seen_at)
			 VALUES ($1, $2, $3, CASE WHEN $4::boolean THEN $3::timestamptz END)
			 ON CONFLICT (message_id, user_id) DO UPDATE SET
				delivered_at = COALESCE(message_statuses.delivered_at, EXCLUDED.delivered_at),
				seen_at = COALESCE(message_statuses.seen_at, EXCLUDED.seen_at)
			 WHERE message_statuses.delivered_at IS NULL
				OR (EXCLUDED.seen_at IS NOT NULL AND message_statuses.seen_at IS NULL)
			 RETURNING message_id, user_id, delivered_at, seen_at`,
			messageID, userID, at, seen)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.GetContext(ctx, &st,
				`SELECT message_id, user_id, delivered_at, seen_at FROM message_statuses
				 WHERE message_id = $1 AND user_id = $2`, messageID, userID)
		}
		if err != nil {
			return err
		}
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	if err != nil {
		return Commit{}, nil, err
	}
	return c, &st, nil
}

func (r *postgresRepository) ListMessageStatuses(ctx context.Context, messageID int64) ([]*MessageStatus, error) {
	statuses := []*MessageStatus{}
	err := r.db.SelectContext(ctx, &statuses,
		`SELECT message_id, user_id, delivered_at, seen_at FROM message_statuses
		 WHERE message_id = $1 ORDER BY user_id`, messageID)
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// Reactions

func (r *postgresRepository) ToggleReaction(ctx context.Context, reaction *Reaction) (Commit, bool, error) {
	var (
		c     Commit
		added bool
	)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		convID, err := r.messageConversation(ctx, tx, reaction.MessageID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
			reaction.MessageID, reaction.UserID, reaction.Emoji)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4)`,
				reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt); err != nil {
				return mapError(err, "reaction on message %d", reaction.MessageID)
			}
			added = true
		}
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, added, err
}

func (r *postgresRepository) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		convID, err := r.messageConversation(ctx, tx, messageID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
			messageID, userID, emoji)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, err
}

func (r *postgresRepository) ListReactions(ctx context.Context, messageID int64) ([]*Reaction, error) {
	reactions := []*Reaction{}
	err := r.db.SelectContext(ctx, &reactions,
		`SELECT message_id, user_id, emoji, created_at FROM message_reactions
		 WHERE message_id = $1 ORDER BY created_at, user_id`, messageID)
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

// Pins

func (r *postgresRepository) PinMessage(ctx context.Context, pin *PinnedMessage) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pinned_messages (conversation_id, message_id, pinned_by, pinned_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (conversation_id, message_id) DO NOTHING`,
			pin.ConversationID, pin.MessageID, pin.PinnedBy, pin.PinnedAt)
		if err != nil {
			return mapError(err, "message %d", pin.MessageID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		c, err = bumpSeq(ctx, tx, pin.ConversationID)
		return err
	})
	return c, err
}

func (r *postgresRepository) UnpinMessage(ctx context.Context, convID, messageID int64) (Commit, error) {
	var c Commit
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM pinned_messages WHERE conversation_id = $1 AND message_id = $2`, convID, messageID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		c, err = bumpSeq(ctx, tx, convID)
		return err
	})
	return c, err
}

func (r *postgresRepository) GetPin(ctx context.Context, convID, messageID int64) (*PinnedMessage, error) {
	var p PinnedMessage
	err := r.db.GetContext(ctx, &p,
		`SELECT conversation_id, message_id, pinned_by, pinned_at FROM pinned_messages
		 WHERE conversation_id = $1 AND message_id = $2`, convID, messageID)
	if err != nil {
		return nil, mapError(err, "pin %d", messageID)
	}
	return &p, nil
}

func (r *postgresRepository) ListPins(ctx context.Context, convID int64) ([]*PinnedMessage, error) {
	pins := []*PinnedMessage{}
	err := r.db.SelectContext(ctx, &pins,
		`SELECT conversation_id, message_id, pinned_by, pinned_at FROM pinned_messages
		 WHERE conversation_id = $1 ORDER BY pinned_at DESC`, convID)
	if err != nil {
		return nil, err
	}
	return pins, nil
}
