package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/wagate/internal/settings"
)

// GetSettings returns the persisted overrides for tenantID, or nil when
// none are stored.
func (s *Store) GetSettings(ctx context.Context, tenantID string) (*settings.Overrides, error) {
	var (
		botName, prefix      sql.NullString
		announce, statusRead sql.NullBool
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT bot_name, prefix, connection_announce, auto_status_read FROM settings WHERE tenant_id = ?",
		tenantID).Scan(&botName, &prefix, &announce, &statusRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	o := &settings.Overrides{}
	if botName.Valid {
		o.BotName = &botName.String
	}
	if prefix.Valid {
		o.Prefix = &prefix.String
	}
	if announce.Valid {
		o.ConnectionAnnounce = &announce.Bool
	}
	if statusRead.Valid {
		o.AutoMarkStatusRead = &statusRead.Bool
	}
	return o, nil
}

// SaveSettings replaces the persisted overrides for tenantID. Nil fields
// are stored as NULL.
func (s *Store) SaveSettings(ctx context.Context, tenantID string, o *settings.Overrides) error {
	if o == nil {
		o = &settings.Overrides{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (tenant_id, bot_name, prefix, connection_announce, auto_status_read, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			bot_name = excluded.bot_name,
			prefix = excluded.prefix,
			connection_announce = excluded.connection_announce,
			auto_status_read = excluded.auto_status_read,
			updated_at = excluded.updated_at`,
		tenantID, nullString(o.BotName), nullString(o.Prefix),
		nullBool(o.ConnectionAnnounce), nullBool(o.AutoMarkStatusRead), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}
