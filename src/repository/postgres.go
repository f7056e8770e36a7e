package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mindbridge/src/app"
)

// PostgresDB is the production Store. The pool makes it safe for concurrent handlers.
type PostgresDB struct {
	conn *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, connString string) (*PostgresDB, error) {
	conn, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := initSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &PostgresDB{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			external_id TEXT,
			password_hash TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE users ADD COLUMN IF NOT EXISTS baseline_mood TEXT NOT NULL DEFAULT 'neutral';
		ALTER TABLE users ADD COLUMN IF NOT EXISTS emergency_contact_name TEXT NOT NULL DEFAULT '';
		ALTER TABLE users ADD COLUMN IF NOT EXISTS emergency_contact_phone TEXT NOT NULL DEFAULT '';
		ALTER TABLE users ADD COLUMN IF NOT EXISTS privacy_settings JSONB NOT NULL DEFAULT '{}';
		CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (lower(email));
		CREATE UNIQUE INDEX IF NOT EXISTS users_external_id_idx ON users (external_id) WHERE external_id IS NOT NULL;
		CREATE TABLE IF NOT EXISTS emotion_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			emotion TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			source TEXT NOT NULL,
			frame_key TEXT NOT NULL DEFAULT '',
			raw JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS emotion_records_user_idx ON emotion_records (user_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS revoked_tokens (
			id TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

func (p *PostgresDB) Close(context.Context) {
	p.conn.Close()
}

func (p *PostgresDB) CreateUser(ctx context.Context, user *app.User) error {
	var externalID *string
	if user.ExternalID != "" {
		externalID = &user.ExternalID
	}
	privacy, err := marshalPrivacy(user.PrivacySettings)
	if err != nil {
		return err
	}
	_, err = p.conn.Exec(ctx, `
		INSERT INTO users (id, email, full_name, external_id, password_hash, is_active, created_at,
			baseline_mood, emergency_contact_name, emergency_contact_phone, privacy_settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, user.ID, user.Email, user.FullName, externalID, user.PasswordHash, user.IsActive, user.CreatedAt,
		moodOrDefault(user.BaselineMood), user.EmergencyContactName, user.EmergencyContactPhone, privacy)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (p *PostgresDB) UpdateUser(ctx context.Context, user *app.User) error {
	privacy, err := marshalPrivacy(user.PrivacySettings)
	if err != nil {
		return err
	}
	tag, err := p.conn.Exec(ctx, `
		UPDATE users SET full_name = $2, baseline_mood = $3, emergency_contact_name = $4,
			emergency_contact_phone = $5, privacy_settings = $6
		WHERE id = $1
	`, user.ID, user.FullName, moodOrDefault(user.BaselineMood), user.EmergencyContactName, user.EmergencyContactPhone, privacy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalPrivacy(settings map[string]any) ([]byte, error) {
	if settings == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal privacy settings: %w", err)
	}
	return raw, nil
}

func moodOrDefault(mood string) string {
	if mood == "" {
		return app.MoodNeutral
	}
	return mood
}

const userColumns = `id, email, full_name, COALESCE(external_id, ''), password_hash, is_active, created_at,
	baseline_mood, emergency_contact_name, emergency_contact_phone, privacy_settings`

func (p *PostgresDB) UserByID(ctx context.Context, id string) (*app.User, error) {
	return p.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (p *PostgresDB) UserByEmail(ctx context.Context, email string) (*app.User, error) {
	return p.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
}

func (p *PostgresDB) UserByExternalID(ctx context.Context, externalID string) (*app.User, error) {
	return p.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
}

func (p *PostgresDB) queryUser(ctx context.Context, query string, arg any) (*app.User, error) {
	var (
		u       app.User
		privacy []byte
	)
	err := p.conn.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.FullName, &u.ExternalID, &u.PasswordHash, &u.IsActive, &u.CreatedAt,
		&u.BaselineMood, &u.EmergencyContactName, &u.EmergencyContactPhone, &privacy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(privacy) > 0 && string(privacy) != "{}" {
		if err := json.Unmarshal(privacy, &u.PrivacySettings); err != nil {
			return nil, fmt.Errorf("decode privacy settings of %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

func (p *PostgresDB) SaveEmotionRecord(ctx context.Context, record *app.EmotionRecord) error {
	raw, err := json.Marshal(record.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw prediction: %w", err)
	}
	_, err = p.conn.Exec(ctx, `
		INSERT INTO emotion_records (id, user_id, emotion, confidence, source, frame_key, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.UserID, string(record.Emotion), record.Confidence, record.Source, record.FrameKey, raw, record.CreatedAt)
	return err
}

func (p *PostgresDB) EmotionHistory(ctx context.Context, userID string, since time.Time, page, limit int) ([]app.EmotionRecord, int, error) {
	var total int
	err := p.conn.QueryRow(ctx, `SELECT COUNT(*) FROM emotion_records WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := p.conn.Query(ctx, `
		SELECT id, user_id, emotion, confidence, source, frame_key, raw, created_at
		FROM emotion_records WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, since, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := make([]app.EmotionRecord, 0, limit)
	for rows.Next() {
		var (
			r       app.EmotionRecord
			emotion string
			raw     []byte
		)
		if err := rows.Scan(&r.ID, &r.UserID, &emotion, &r.Confidence, &r.Source, &r.FrameKey, &raw, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		r.Emotion = app.Emotion(emotion)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Raw); err != nil {
				return nil, 0, fmt.Errorf("decode raw prediction of %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

func (p *PostgresDB) ClearFrameKey(ctx context.Context, userID, key string) (int, error) {
	tag, err := p.conn.Exec(ctx, `UPDATE emotion_records SET frame_key = '' WHERE user_id = $1 AND frame_key = $2`, userID, key)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresDB) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := p.conn.Exec(ctx, `
		INSERT INTO revoked_tokens (id, expires_at) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, tokenID, expiresAt)
	return err
}

func (p *PostgresDB) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	err := p.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE id = $1)`, tokenID).Scan(&exists)
	return exists, err
}

func (p *PostgresDB) PruneRevoked(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.conn.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
