package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"classroom-chat/internal/models"
)

// ChatRepository persists rooms and their fixed participant sets.
type ChatRepository interface {
	CreateChat(ctx context.Context, creatorID int, name *string, isGroup bool, participantIDs []int) (models.Chat, []int, error)
	IsMember(ctx context.Context, chatID int64, userID int) (bool, error)
	GetChat(ctx context.Context, chatID int64) (models.Chat, error)
	Participants(ctx context.Context, chatID int64) ([]int, error)
	ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error)
	DeleteChat(ctx context.Context, chatID int64) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateChat creates a room and its participants atomically. The creator is
// always a participant. A direct chat between two users that already exists
// is returned instead of creating a second one.
func (r *ChatRepo) CreateChat(ctx context.Context, creatorID int, name *string, isGroup bool, participantIDs []int) (chat models.Chat, members []int, err error) {
	members = dedupeMembers(creatorID, participantIDs)
	if !isGroup && len(members) != 2 {
		return models.Chat{}, nil, ErrInvalidParticipants
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, nil, storageErr("begin create chat", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if !isGroup {
		// serialise concurrent direct-chat initiation for the same pair
		if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, members[0], members[1]); err != nil {
			return models.Chat{}, nil, storageErr("lock direct chat", err)
		}
		err = tx.GetContext(ctx, &chat, `SELECT c.id, c.name, c.is_group, c.created_at FROM chats c
            WHERE c.is_group = FALSE
            AND EXISTS (SELECT 1 FROM chat_participants p WHERE p.chat_id = c.id AND p.user_id = $1)
            AND EXISTS (SELECT 1 FROM chat_participants p WHERE p.chat_id = c.id AND p.user_id = $2)
            LIMIT 1`, members[0], members[1])
		switch {
		case err == nil:
			if err = tx.Commit(); err != nil {
				return models.Chat{}, nil, storageErr("commit create chat", err)
			}
			return chat, members, nil
		case !errors.Is(err, sql.ErrNoRows):
			return models.Chat{}, nil, storageErr("find direct chat", err)
		}
	}

	if err = tx.QueryRowxContext(ctx, `INSERT INTO chats (name, is_group) VALUES ($1, $2) RETURNING id, name, is_group, created_at`, name, isGroup).
		Scan(&chat.ID, &chat.Name, &chat.IsGroup, &chat.CreatedAt); err != nil {
		return models.Chat{}, nil, storageErr("insert chat", err)
	}

	for _, id := range members {
		if _, err = tx.ExecContext(ctx, `INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)`, chat.ID, id); err != nil {
			return models.Chat{}, nil, storageErr("insert participant", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Chat{}, nil, storageErr("commit create chat", err)
	}
	return chat, members, nil
}

// IsMember reports whether userID participates in chatID. A missing chat is
// simply not a membership.
func (r *ChatRepo) IsMember(ctx context.Context, chatID int64, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	if err != nil {
		return false, storageErr("membership check", err)
	}
	return exists, nil
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int64) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT id, name, is_group, created_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, storageErr("get chat", err)
	}
	return chat, nil
}

// Participants lists the user ids of a chat in ascending order.
func (r *ChatRepo) Participants(ctx context.Context, chatID int64) ([]int, error) {
	var ids []int
	if err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM chat_participants WHERE chat_id=$1 ORDER BY user_id`, chatID); err != nil {
		return nil, storageErr("list participants", err)
	}
	return ids, nil
}

// ListChats returns the chats userID participates in, newest first.
func (r *ChatRepo) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	var chats []models.Chat
	err := r.db.SelectContext(ctx, &chats, `SELECT c.id, c.name, c.is_group, c.created_at FROM chats c
        INNER JOIN chat_participants p ON p.chat_id = c.id
        WHERE p.user_id=$1
        ORDER BY c.created_at DESC, c.id DESC`, userID)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	if len(chats) == 0 {
		return []models.ChatSummary{}, nil
	}

	ids := make([]int64, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT chat_id, user_id FROM chat_participants WHERE chat_id = ANY($1) ORDER BY user_id`, pq.Array(ids))
	if err != nil {
		return nil, storageErr("list chat participants", err)
	}
	defer rows.Close()

	byChat := make(map[int64][]int, len(chats))
	for rows.Next() {
		var chatID int64
		var userID int
		if err := rows.Scan(&chatID, &userID); err != nil {
			return nil, storageErr("scan participant", err)
		}
		byChat[chatID] = append(byChat[chatID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chat participants", err)
	}

	result := make([]models.ChatSummary, 0, len(chats))
	for _, c := range chats {
		result = append(result, c.Summary(byChat[c.ID]))
	}
	return result, nil
}

// DeleteChat removes a chat; messages and media rows cascade.
func (r *ChatRepo) DeleteChat(ctx context.Context, chatID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chats WHERE id=$1`, chatID)
	if err != nil {
		return storageErr("delete chat", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete chat", err)
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

func dedupeMembers(creatorID int, participantIDs []int) []int {
	set := map[int]struct{}{creatorID: {}}
	for _, id := range participantIDs {
		if id > 0 {
			set[id] = struct{}{}
		}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
