package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/model"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name        string
	placeholder func(n int) string
	encodeTime  func(t time.Time) any
	// matchEvent is a WHERE fragment taking the event type as its only argument.
	matchEvent string
}

// sqlStore implements Store on database/sql for both Postgres and SQLite.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

const deliveryColumns = `id, webhook_id, event_id, status, attempt_number, scheduled_at, attempted_at, completed_at,
  http_status_code, response_body, error_message, response_time_ms, next_retry_at`

// rebind rewrites ? placeholders into the dialect's form.
func (s *sqlStore) rebind(q string) string {
	if s.d.placeholder == nil {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString(s.d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) t(v time.Time) any { return s.d.encodeTime(v.UTC()) }

func (s *sqlStore) tp(v *time.Time) any {
	if v == nil {
		return nil
	}
	return s.t(*v)
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlStore) Close() error                   { return s.db.Close() }

// Webhooks

func (s *sqlStore) SaveWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	events, err := json.Marshal(w.Events)
	if err != nil {
		return model.Webhook{}, err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO webhooks (id, url, events, secret, active, description, updated_at)
        VALUES (?,?,?,?,?,?,?)
        ON CONFLICT (id) DO UPDATE SET url=excluded.url, events=excluded.events, secret=excluded.secret,
            active=excluded.active, description=excluded.description, updated_at=excluded.updated_at`),
		w.ID, w.URL, string(events), w.Secret, w.Active, nullIfEmpty(w.Description), s.t(time.Now()))
	if err != nil {
		return model.Webhook{}, fmt.Errorf("save webhook: %w", err)
	}
	return w, nil
}

func (s *sqlStore) FindWebhookByID(ctx context.Context, id string) (model.Webhook, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, url, events, secret, active, description FROM webhooks WHERE id=?`), id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Webhook{}, ErrNotFound
	}
	return w, err
}

func (s *sqlStore) FindWebhooksByEventType(ctx context.Context, eventType string) ([]model.Webhook, error) {
	return s.queryWebhooks(ctx, `SELECT id, url, events, secret, active, description FROM webhooks WHERE `+s.d.matchEvent+` ORDER BY id`, eventType)
}

func (s *sqlStore) FindAllWebhooks(ctx context.Context) ([]model.Webhook, error) {
	return s.queryWebhooks(ctx, `SELECT id, url, events, secret, active, description FROM webhooks ORDER BY id`)
}

func (s *sqlStore) DeleteWebhookByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM webhooks WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) queryWebhooks(ctx context.Context, q string, args ...any) ([]model.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Events

func (s *sqlStore) SaveEvent(ctx context.Context, e model.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO webhook_events (id, type, payload, occurred_at, idempotency_key)
        VALUES (?,?,?,?,?) ON CONFLICT (id) DO NOTHING`),
		e.ID, e.Type, string(e.Payload), s.t(e.OccurredAt), nullIfEmpty(e.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (s *sqlStore) FindEventByID(ctx context.Context, id string) (model.WebhookEvent, error) {
	var (
		e       model.WebhookEvent
		payload []byte
		at      dbTime
		key     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, type, payload, occurred_at, idempotency_key FROM webhook_events WHERE id=?`), id).
		Scan(&e.ID, &e.Type, &payload, &at, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return model.WebhookEvent{}, err
	}
	e.Payload = payload
	e.OccurredAt = at.Time
	e.IdempotencyKey = key.String
	return e, nil
}

// Deliveries

func (s *sqlStore) SaveDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO webhook_deliveries (`+deliveryColumns+`, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT (id) DO UPDATE SET status=excluded.status, attempt_number=excluded.attempt_number,
            scheduled_at=excluded.scheduled_at, attempted_at=excluded.attempted_at, completed_at=excluded.completed_at,
            http_status_code=excluded.http_status_code, response_body=excluded.response_body,
            error_message=excluded.error_message, response_time_ms=excluded.response_time_ms,
            next_retry_at=excluded.next_retry_at, updated_at=excluded.updated_at`),
		d.ID, d.WebhookID, d.EventID, string(d.Status), d.AttemptNumber, s.t(d.ScheduledAt), s.tp(d.AttemptedAt), s.tp(d.CompletedAt),
		intPtr(d.HTTPStatusCode), strPtr(d.ResponseBody), strPtr(d.ErrorMessage), durationMs(d.ResponseTime), s.tp(d.NextRetryAt),
		s.t(time.Now()))
	if err != nil {
		return model.WebhookDelivery{}, fmt.Errorf("save delivery: %w", err)
	}
	return d, nil
}

func (s *sqlStore) FindDeliveryByID(ctx context.Context, id string) (model.WebhookDelivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.WebhookDelivery{}, ErrNotFound
	}
	return d, err
}

func (s *sqlStore) FindDeliveriesByEventID(ctx context.Context, eventID string) ([]model.WebhookDelivery, error) {
	return s.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE event_id=? ORDER BY scheduled_at, id`, eventID)
}

func (s *sqlStore) FindDeliveriesByWebhookID(ctx context.Context, webhookID string) ([]model.WebhookDelivery, error) {
	return s.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE webhook_id=? ORDER BY scheduled_at, id`, webhookID)
}

func (s *sqlStore) FindScheduledBefore(ctx context.Context, instant time.Time, status model.DeliveryStatus, limit int) ([]model.WebhookDelivery, error) {
	col := "scheduled_at"
	if status == model.StatusFailed {
		col = "next_retry_at"
	}
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE status=? AND ` + col + ` <= ? ORDER BY ` + col + `, id`
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	return s.queryDeliveries(ctx, q, string(status), s.t(instant))
}

func (s *sqlStore) DeleteOlderThan(ctx context.Context, instant time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM webhook_deliveries
        WHERE status IN (?,?,?) AND completed_at < ?`),
		string(model.StatusSucceeded), string(model.StatusExhausted), string(model.StatusCancelled), s.t(instant))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) Claim(ctx context.Context, id string, now time.Time) (model.WebhookDelivery, bool, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.rebind(`UPDATE webhook_deliveries
        SET status=?, attempted_at=?, updated_at=?
        WHERE id=? AND ((status=? AND scheduled_at <= ?) OR (status=? AND next_retry_at <= ?))
        RETURNING `+deliveryColumns),
		string(model.StatusInProgress), s.t(now), s.t(now),
		id, string(model.StatusPending), s.t(now), string(model.StatusFailed), s.t(now)))
	return s.claimResult(ctx, id, d, err)
}

func (s *sqlStore) ClaimForRetry(ctx context.Context, id string, maxAttempts int, now time.Time) (model.WebhookDelivery, bool, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.rebind(`UPDATE webhook_deliveries
        SET status=?, attempted_at=?, updated_at=?
        WHERE id=? AND status=? AND attempt_number < ?
        RETURNING `+deliveryColumns),
		string(model.StatusInProgress), s.t(now), s.t(now), id, string(model.StatusFailed), maxAttempts))
	return s.claimResult(ctx, id, d, err)
}

func (s *sqlStore) claimResult(ctx context.Context, id string, d model.WebhookDelivery, err error) (model.WebhookDelivery, bool, error) {
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.WebhookDelivery{}, false, fmt.Errorf("claim delivery %s: %w", id, err)
	}
	cur, ferr := s.FindDeliveryByID(ctx, id)
	if ferr != nil {
		return model.WebhookDelivery{}, false, ferr
	}
	return cur, false, nil
}

func (s *sqlStore) Complete(ctx context.Context, d model.WebhookDelivery) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE webhook_deliveries
        SET status=?, attempt_number=?, completed_at=?, http_status_code=?, response_body=?, error_message=?,
            response_time_ms=?, next_retry_at=?, updated_at=?
        WHERE id=? AND status=?`),
		string(d.Status), d.AttemptNumber, s.tp(d.CompletedAt), intPtr(d.HTTPStatusCode), strPtr(d.ResponseBody), strPtr(d.ErrorMessage),
		durationMs(d.ResponseTime), s.tp(d.NextRetryAt), s.t(time.Now()),
		d.ID, string(model.StatusInProgress))
	if err != nil {
		return fmt.Errorf("complete delivery %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.FindDeliveryByID(ctx, d.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) Cancel(ctx context.Context, id string, now time.Time) (model.WebhookDelivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.rebind(`UPDATE webhook_deliveries
        SET status=?, completed_at=?, next_retry_at=NULL, updated_at=?
        WHERE id=? AND status IN (?,?,?)
        RETURNING `+deliveryColumns),
		string(model.StatusCancelled), s.t(now), s.t(now),
		id, string(model.StatusPending), string(model.StatusInProgress), string(model.StatusFailed)))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.WebhookDelivery{}, fmt.Errorf("cancel delivery %s: %w", id, err)
	}
	cur, ferr := s.FindDeliveryByID(ctx, id)
	if ferr != nil {
		return model.WebhookDelivery{}, ferr
	}
	return cur, ErrConflict
}

func (s *sqlStore) queryDeliveries(ctx context.Context, q string, args ...any) ([]model.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(r rowScanner) (model.Webhook, error) {
	var (
		w      model.Webhook
		events []byte
		desc   sql.NullString
	)
	if err := r.Scan(&w.ID, &w.URL, &events, &w.Secret, &w.Active, &desc); err != nil {
		return model.Webhook{}, err
	}
	if err := json.Unmarshal(events, &w.Events); err != nil {
		return model.Webhook{}, fmt.Errorf("decode events of webhook %s: %w", w.ID, err)
	}
	w.Description = desc.String
	return w, nil
}

func scanDelivery(r rowScanner) (model.WebhookDelivery, error) {
	var (
		d                          model.WebhookDelivery
		status                     string
		scheduled, attempted, done dbTime
		next                       dbTime
		code, rtMs                 sql.NullInt64
		body, errMsg               sql.NullString
	)
	err := r.Scan(&d.ID, &d.WebhookID, &d.EventID, &status, &d.AttemptNumber, &scheduled, &attempted, &done,
		&code, &body, &errMsg, &rtMs, &next)
	if err != nil {
		return model.WebhookDelivery{}, err
	}
	d.Status = model.DeliveryStatus(status)
	d.ScheduledAt = scheduled.Time
	d.AttemptedAt = attempted.ptr()
	d.CompletedAt = done.ptr()
	d.NextRetryAt = next.ptr()
	if code.Valid {
		c := int(code.Int64)
		d.HTTPStatusCode = &c
	}
	if body.Valid {
		d.ResponseBody = &body.String
	}
	if errMsg.Valid {
		d.ErrorMessage = &errMsg.String
	}
	if rtMs.Valid {
		rt := time.Duration(rtMs.Int64) * time.Millisecond
		d.ResponseTime = &rt
	}
	return d, nil
}

// sqliteTimeLayout is fixed width so that text comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dbTime scans a nullable timestamp stored either natively or as text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	}
	return fmt.Errorf("unsupported timestamp type %T", v)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = v.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtr(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func strPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func durationMs(v *time.Duration) any {
	if v == nil {
		return nil
	}
	return v.Milliseconds()
}
