package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/store"
)

type EventRepository struct {
	db DB
}

func NewEventRepository(db DB) *EventRepository {
	if db == nil {
		return nil
	}
	return &EventRepository{db: db}
}

const eventColumns = `seq, event_id, schema_version, "timestamp", "cursor", event_type, outcome,
	session_id, correlation_id, agent_id, peer_id, tool, method, resource,
	metadata, metrics, hashes, integrity, integrity_hash`

func (r *EventRepository) Insert(ctx context.Context, event domain.AuditEvent, idempotencyKey string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("event repository not initialized")
	}
	metadata, err := encodeMetadata(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	metrics, err := encodeMetadata(event.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	hashes, err := encodeMetadata(event.Hashes)
	if err != nil {
		return fmt.Errorf("encode hashes: %w", err)
	}
	integrityJSON, err := json.Marshal(event.Integrity)
	if err != nil {
		return fmt.Errorf("encode integrity: %w", err)
	}

	_, err = r.db.ExecContext(
		ctx,
		`INSERT INTO events (
			seq, event_id, schema_version, "timestamp", "cursor", event_type, outcome,
			session_id, correlation_id, agent_id, peer_id, tool, method, resource,
			metadata, metrics, hashes, integrity, integrity_hash, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		int64(event.Sequence),
		event.EventID,
		event.SchemaVersion,
		event.Timestamp,
		event.Cursor,
		event.EventType,
		event.Outcome,
		event.SessionID,
		nullIfEmpty(event.CorrelationID),
		event.AgentID,
		nullIfEmpty(event.PeerID),
		nullIfEmpty(event.Tool),
		nullIfEmpty(event.Method),
		nullIfEmpty(event.Resource),
		metadata,
		metrics,
		hashes,
		integrityJSON,
		event.IntegrityHash,
		nullIfEmpty(idempotencyKey),
	)
	if err != nil {
		switch uniqueConstraint(err) {
		case "events_idempotency_key_key":
			return domain.ErrDuplicateEvent
		case "events_pkey", "events_event_id_key", "events_cursor_key":
			return domain.NewError(domain.KindConflict, "event already committed")
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *EventRepository) ByID(ctx context.Context, eventID string) (domain.AuditEvent, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`,
		eventID,
	)
	return scanEventRow(row)
}

func (r *EventRepository) ByIdempotencyKey(ctx context.Context, key string) (domain.AuditEvent, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+eventColumns+` FROM events WHERE idempotency_key = $1`,
		key,
	)
	return scanEventRow(row)
}

func (r *EventRepository) Tail(ctx context.Context) (store.Tail, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT seq, integrity_hash, "cursor" FROM events ORDER BY seq DESC LIMIT 1`,
	)
	var (
		seq    int64
		hash   string
		cursor string
	)
	if err := row.Scan(&seq, &hash, &cursor); err != nil {
		if err == sql.ErrNoRows {
			return store.Tail{}, nil
		}
		return store.Tail{}, fmt.Errorf("read chain tail: %w", err)
	}
	return store.Tail{Sequence: uint64(seq), Hash: hash, Cursor: cursor}, nil
}

func filterClauses(filter domain.EventFilter, args *[]any) []string {
	where := make([]string, 0, 6)
	add := func(clause string, value any) {
		*args = append(*args, value)
		where = append(where, clause+"$"+strconv.Itoa(len(*args)))
	}
	if filter.EventType != "" {
		add("event_type = ", filter.EventType)
	}
	if filter.Outcome != "" {
		add("outcome = ", filter.Outcome)
	}
	if filter.AgentID != "" {
		add("agent_id = ", filter.AgentID)
	}
	if filter.SessionID != "" {
		add("session_id = ", filter.SessionID)
	}
	if filter.CorrelationID != "" {
		add("correlation_id = ", filter.CorrelationID)
	}
	if filter.StartTime > 0 {
		add(`"timestamp" >= `, filter.StartTime)
	}
	if filter.EndTime > 0 {
		add(`"timestamp" <= `, filter.EndTime)
	}
	return where
}

func (r *EventRepository) Page(ctx context.Context, filter domain.EventFilter, afterSeq, maxSeq uint64, limit int) ([]domain.AuditEvent, error) {
	args := make([]any, 0, 10)
	where := []string{}
	if afterSeq > 0 {
		args = append(args, int64(afterSeq))
		where = append(where, "seq > $"+strconv.Itoa(len(args)))
	}
	if maxSeq < store.NoMaxSeq {
		args = append(args, int64(maxSeq))
		where = append(where, "seq <= $"+strconv.Itoa(len(args)))
	}
	where = append(where, filterClauses(filter, &args)...)

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += " ORDER BY seq ASC LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (r *EventRepository) Count(ctx context.Context, filter domain.EventFilter, maxSeq uint64) (int64, error) {
	args := make([]any, 0, 8)
	where := []string{}
	if maxSeq < store.NoMaxSeq {
		args = append(args, int64(maxSeq))
		where = append(where, "seq <= $"+strconv.Itoa(len(args)))
	}
	where = append(where, filterClauses(filter, &args)...)

	query := `SELECT COUNT(*) FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (r *EventRepository) Stats(ctx context.Context, window domain.StatsWindow) (domain.Stats, error) {
	stats := domain.Stats{
		CountsByType:       map[string]int64{},
		DenialReasonCounts: map[string]int64{},
	}

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT event_type, COUNT(*)
		 FROM events WHERE "timestamp" BETWEEN $1 AND $2
		 GROUP BY event_type`,
		window.Start, window.End,
	)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return domain.Stats{}, err
		}
		stats.CountsByType[eventType] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return domain.Stats{}, err
	}

	var success int64
	if err := r.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(CASE WHEN outcome = 'OK' THEN 1 ELSE 0 END), 0)
		 FROM events WHERE "timestamp" BETWEEN $1 AND $2`,
		window.Start, window.End,
	).Scan(&success); err != nil {
		return domain.Stats{}, fmt.Errorf("stats success: %w", err)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(success) / float64(stats.Total)
	} else {
		stats.SuccessRate = 1.0
	}

	denyRows, err := r.db.QueryContext(
		ctx,
		`SELECT metadata->>'denial_reason', COUNT(*)
		 FROM events
		 WHERE outcome = 'DENY' AND "timestamp" BETWEEN $1 AND $2
		   AND metadata->>'denial_reason' IS NOT NULL
		 GROUP BY 1`,
		window.Start, window.End,
	)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("stats denials: %w", err)
	}
	defer denyRows.Close()
	for denyRows.Next() {
		var reason string
		var count int64
		if err := denyRows.Scan(&reason, &count); err != nil {
			return domain.Stats{}, err
		}
		stats.DenialReasonCounts[reason] = count
	}
	if err := denyRows.Err(); err != nil {
		return domain.Stats{}, err
	}

	seriesRows, err := r.db.QueryContext(
		ctx,
		`SELECT ("timestamp" / 3600 * 3600) AS bucket,
			SUM(CASE WHEN outcome = 'OK' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'DENY' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome NOT IN ('OK','DENY') THEN 1 ELSE 0 END)
		 FROM events WHERE "timestamp" BETWEEN $1 AND $2
		 GROUP BY bucket ORDER BY bucket ASC`,
		window.Start, window.End,
	)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("stats series: %w", err)
	}
	defer seriesRows.Close()
	for seriesRows.Next() {
		var bucket domain.StatsBucket
		if err := seriesRows.Scan(&bucket.Time, &bucket.OK, &bucket.Deny, &bucket.Error); err != nil {
			return domain.Stats{}, err
		}
		stats.Series = append(stats.Series, bucket)
	}
	if err := seriesRows.Err(); err != nil {
		return domain.Stats{}, err
	}
	return stats, nil
}

func (r *EventRepository) Ping(ctx context.Context) error {
	var one int
	return r.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(row *sql.Row) (domain.AuditEvent, error) {
	event, err := scanEvent(row)
	if err != nil {
		return domain.AuditEvent{}, handleNotFound(err)
	}
	return event, nil
}

func scanEvent(row rowScanner) (domain.AuditEvent, error) {
	var (
		event         domain.AuditEvent
		seq           int64
		correlationID sql.NullString
		peerID        sql.NullString
		tool          sql.NullString
		method        sql.NullString
		resource      sql.NullString
		metadataRaw   []byte
		metricsRaw    []byte
		hashesRaw     []byte
		integrityRaw  []byte
	)
	if err := row.Scan(
		&seq,
		&event.EventID,
		&event.SchemaVersion,
		&event.Timestamp,
		&event.Cursor,
		&event.EventType,
		&event.Outcome,
		&event.SessionID,
		&correlationID,
		&event.AgentID,
		&peerID,
		&tool,
		&method,
		&resource,
		&metadataRaw,
		&metricsRaw,
		&hashesRaw,
		&integrityRaw,
		&event.IntegrityHash,
	); err != nil {
		return domain.AuditEvent{}, err
	}
	event.Sequence = uint64(seq)
	event.CorrelationID = correlationID.String
	event.PeerID = peerID.String
	event.Tool = tool.String
	event.Method = method.String
	event.Resource = resource.String

	var err error
	if event.Metadata, err = decodeMetadata(metadataRaw); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("decode metadata: %w", err)
	}
	if event.Metrics, err = decodeMetadata(metricsRaw); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("decode metrics: %w", err)
	}
	if event.Hashes, err = decodeMetadata(hashesRaw); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("decode hashes: %w", err)
	}
	if len(integrityRaw) > 0 {
		if err := json.Unmarshal(integrityRaw, &event.Integrity); err != nil {
			return domain.AuditEvent{}, fmt.Errorf("decode integrity: %w", err)
		}
	}
	return event, nil
}
