package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/storage"
)

// SessionRepository persists chat sessions and their transcripts in Postgres.
// Messages are append-only: rows are inserted once, later saves only flip read flags.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Close is a no-op: the pool is owned by main.
func (r *SessionRepository) Close() error { return nil }

func (r *SessionRepository) Save(ctx context.Context, s *model.Session) error {
	defer logger.DeferLogDuration("sessionRepo.Save", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessionRepo.Save begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var dbID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO chat_sessions (session_id, organization_id, display_name, contact, mode, status, assigned_operator, last_activity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   contact = EXCLUDED.contact,
		   mode = EXCLUDED.mode,
		   status = EXCLUDED.status,
		   assigned_operator = EXCLUDED.assigned_operator,
		   last_activity = EXCLUDED.last_activity
		 WHERE chat_sessions.organization_id = EXCLUDED.organization_id
		 RETURNING id`,
		s.ID, s.OrganizationID, s.DisplayName, s.Contact, s.Mode, s.Status, s.AssignedOperator, s.LastActivity, s.CreatedAt,
	).Scan(&dbID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("sessionRepo.Save %s: %w", s.ID, storage.ErrOwnedElsewhere)
	}
	if err != nil {
		return fmt.Errorf("sessionRepo.Save upsert session: %w", err)
	}

	batch := &pgx.Batch{}
	for i, m := range s.Messages {
		batch.Queue(
			`INSERT INTO chat_messages (id, session_id, seq, role, author_id, body, created_at, read_by_operator, read_by_visitor)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			   read_by_operator = chat_messages.read_by_operator OR EXCLUDED.read_by_operator,
			   read_by_visitor = chat_messages.read_by_visitor OR EXCLUDED.read_by_visitor`,
			m.ID, s.ID, i, m.Role, m.AuthorID, m.Text, m.CreatedAt, m.ReadByOperator, m.ReadByVisitor,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("sessionRepo.Save messages: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sessionRepo.Save commit: %w", err)
	}
	s.DBID = dbID
	return nil
}

func (r *SessionRepository) LoadByOrg(ctx context.Context, orgID string) ([]*model.Session, error) {
	defer logger.DeferLogDuration("sessionRepo.LoadByOrg", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, organization_id, display_name, contact, mode, status, assigned_operator, last_activity, created_at
		 FROM chat_sessions
		 WHERE organization_id = $1`, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.LoadByOrg query: %w", err)
	}
	defer rows.Close()

	sessions := make([]*model.Session, 0)
	byID := make(map[string]*model.Session)
	for rows.Next() {
		s := &model.Session{}
		if err := rows.Scan(&s.DBID, &s.ID, &s.OrganizationID, &s.DisplayName, &s.Contact, &s.Mode, &s.Status,
			&s.AssignedOperator, &s.LastActivity, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("sessionRepo.LoadByOrg scan: %w", err)
		}
		sessions = append(sessions, s)
		byID[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.LoadByOrg rows: %w", err)
	}
	if len(sessions) == 0 {
		return sessions, nil
	}

	msgRows, err := r.pool.Query(ctx,
		`SELECT m.id, m.session_id, m.role, m.author_id, m.body, m.created_at, m.read_by_operator, m.read_by_visitor
		 FROM chat_messages m
		 JOIN chat_sessions s ON s.session_id = m.session_id
		 WHERE s.organization_id = $1
		 ORDER BY m.session_id, m.seq`, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.LoadByOrg messages query: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var (
			m         model.Message
			sessionID string
		)
		if err := msgRows.Scan(&m.ID, &sessionID, &m.Role, &m.AuthorID, &m.Text, &m.CreatedAt, &m.ReadByOperator, &m.ReadByVisitor); err != nil {
			return nil, fmt.Errorf("sessionRepo.LoadByOrg messages scan: %w", err)
		}
		if s, ok := byID[sessionID]; ok {
			s.Messages = append(s.Messages, m)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.LoadByOrg messages rows: %w", err)
	}
	return sessions, nil
}
