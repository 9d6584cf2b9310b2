package repository

import (
	"context"
	"database/sql"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"killswitch/internal/models"
	"killswitch/pkg/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AuditRepository - зеркало журнала аудита в таблице killswitch_audit
//
// Источник истины - JSONL файлы на диске. Таблица нужна для запросов
// из внешних систем и может отставать или терять записи.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository создаёт репозиторий
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// EnsureSchema создаёт таблицу, если её нет
func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS killswitch_audit (
			seq        BIGINT PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			entry_type VARCHAR(32) NOT NULL,
			event_id   VARCHAR(64),
			from_state VARCHAR(16),
			to_state   VARCHAR(16),
			request_id VARCHAR(64),
			actor      VARCHAR(128),
			reason     TEXT,
			payload    JSONB NOT NULL
		)`

	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Insert сохраняет запись. Повторная вставка того же seq игнорируется.
// Ошибки данных и схемы помечаются как Permanent.
func (r *AuditRepository) Insert(ctx context.Context, entry models.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal audit entry %d: %w", entry.Seq, err))
	}

	query := `
		INSERT INTO killswitch_audit
			(seq, ts, entry_type, event_id, from_state, to_state, request_id, actor, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (seq) DO NOTHING`

	var eventID, from, to sql.NullString
	if entry.Event != nil {
		eventID = nullString(entry.Event.EventID)
		from = nullString(string(entry.Event.FromState))
		to = nullString(string(entry.Event.ToState))
	}

	_, err = r.db.ExecContext(ctx, query,
		int64(entry.Seq),
		entry.Timestamp,
		string(entry.Type),
		eventID,
		from,
		to,
		nullString(entry.RequestID),
		nullString(entry.Actor),
		entry.EntryReason(),
		payload,
	)
	if err != nil {
		if isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

// LastSeq - наибольший зеркалированный seq (0, если таблица пуста)
func (r *AuditRepository) LastSeq(ctx context.Context) (uint64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM killswitch_audit`

	var seq int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
