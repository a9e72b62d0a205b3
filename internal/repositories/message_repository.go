package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"classroom-chat/internal/models"
)

// MessageRepository is the append-only, per-room ordered message log.
type MessageRepository interface {
	Append(ctx context.Context, msg models.NewMessage) (models.Message, error)
	ListSince(ctx context.Context, chatID int64, after int64, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores a message and its media rows in one transaction. The chat row
// is locked for the duration, which linearises id assignment and commit order
// for appends to the same chat across every process sharing the database.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, storageErr("begin append", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var chatID int64
	if err = tx.GetContext(ctx, &chatID, `SELECT id FROM chats WHERE id=$1 FOR UPDATE`, in.ChatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrChatNotFound
			return models.Message{}, err
		}
		return models.Message{}, storageErr("lock chat", err)
	}

	if err = tx.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, content, type) VALUES ($1, $2, $3, $4) RETURNING id, chat_id, sender_id, content, type, created_at`,
		in.ChatID, in.SenderID, in.Content, in.Type).
		Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.Type, &msg.CreatedAt); err != nil {
		return models.Message{}, storageErr("insert message", err)
	}

	msg.Media = make([]models.MessageMedia, 0, len(in.Media))
	for _, ref := range in.Media {
		var media models.MessageMedia
		if err = tx.QueryRowxContext(ctx, `INSERT INTO message_media (message_id, file) VALUES ($1, $2) RETURNING id, message_id, file, created_at`, msg.ID, ref).
			Scan(&media.ID, &media.MessageID, &media.File, &media.CreatedAt); err != nil {
			return models.Message{}, storageErr("insert media", err)
		}
		msg.Media = append(msg.Media, media)
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, storageErr("commit append", err)
	}
	return msg, nil
}

// ListSince returns up to limit messages of chatID with id > after, oldest first.
func (r *MessageRepo) ListSince(ctx context.Context, chatID int64, after int64, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, chat_id, sender_id, content, type, created_at FROM messages
        WHERE chat_id=$1 AND id > $2
        ORDER BY id ASC
        LIMIT $3`, chatID, after, limit)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	if len(msgs) == 0 {
		return []models.Message{}, nil
	}

	ids := make([]int64, 0, len(msgs))
	index := make(map[int64]int, len(msgs))
	for i := range msgs {
		ids = append(ids, msgs[i].ID)
		index[msgs[i].ID] = i
		msgs[i].Media = []models.MessageMedia{}
	}

	var media []models.MessageMedia
	if err := r.db.SelectContext(ctx, &media, `SELECT id, message_id, file, created_at FROM message_media WHERE message_id = ANY($1) ORDER BY id ASC`, pq.Array(ids)); err != nil {
		return nil, storageErr("list media", err)
	}
	for _, m := range media {
		if i, ok := index[m.MessageID]; ok {
			msgs[i].Media = append(msgs[i].Media, m)
		}
	}
	return msgs, nil
}
