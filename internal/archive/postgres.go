// Package archive persists delivered messages and created sessions to
// Postgres for the history API. It is strictly best-effort: the real-time
// path never waits on it and an unreachable database only disables history.
package archive

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"worldtalk-backend/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

type Config struct {
	URL            string
	MaxConnections int
	MaxIdleTime    time.Duration
	MaxLifetime    time.Duration
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		pc.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MaxIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxIdleTime
	}
	if cfg.MaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// SaveMessage inserts one message; duplicate ids are ignored so redeliveries
// are harmless.
func (s *Store) SaveMessage(ctx context.Context, msg model.Message) error {
	var replyTo []byte
	if msg.ReplyTo != nil {
		replyTo, _ = json.Marshal(msg.ReplyTo)
	}

	query := `
		INSERT INTO messages (id, room_id, sender, sender_user_id, text, sent_at, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		msg.ID, msg.RoomID, msg.Sender, msg.SenderUserID, msg.Text, msg.Timestamp, replyTo)
	return err
}

// SaveMessageAsync archives without blocking the delivery path.
func (s *Store) SaveMessageAsync(msg model.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveMessage(ctx, msg); err != nil {
			log.Printf("[ARCHIVE] save message %s: %v", msg.ID, err)
		}
	}()
}

func (s *Store) SaveSession(ctx context.Context, session model.Session) error {
	query := `
		INSERT INTO sessions (id, user_a_id, user_b_id, created_at, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`

	_, err := s.pool.Exec(ctx, query,
		session.SessionID, session.Participants[0], session.Participants[1],
		session.CreatedAt, session.Active)
	return err
}

// RecentMessages returns the newest limit messages of a room, oldest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, room_id, sender, sender_user_id, text, sent_at, reply_to
		FROM messages
		WHERE room_id = $1
		ORDER BY sent_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var msg model.Message
		var replyTo []byte
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.SenderUserID,
			&msg.Text, &msg.Timestamp, &replyTo); err != nil {
			return nil, err
		}
		if len(replyTo) > 0 {
			var ref model.ReplyRef
			if err := json.Unmarshal(replyTo, &ref); err == nil {
				msg.ReplyTo = &ref
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order to match the feed contract.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
