package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldroute/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. They are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

// AssignStops replaces the technician's stops for the day, keeping input order.
func (p *Postgres) AssignStops(ctx context.Context, tenantID, technicianID, planDate string, stops []model.Stop) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM stop_assignments WHERE tenant_id=$1 AND technician_id=$2 AND plan_date=$3`, tenantID, technicianID, planDate); err != nil {
		return 0, fmt.Errorf("assign stops: clear: %w", err)
	}
	for i, s := range stops {
		_, err := tx.ExecContext(ctx, `INSERT INTO stop_assignments (tenant_id, technician_id, plan_date, seq, stop_id, lat, lng, label) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			tenantID, technicianID, planDate, i, s.ID, s.Coord.Lat, s.Coord.Lng, nullIfEmpty(s.Label))
		if err != nil {
			return 0, fmt.Errorf("assign stops: insert %s: %w", s.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stops), nil
}

func (p *Postgres) ListAssignedStops(ctx context.Context, tenantID, technicianID, planDate string) ([]model.Stop, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT stop_id, lat, lng, COALESCE(label,'') FROM stop_assignments WHERE tenant_id=$1 AND technician_id=$2 AND plan_date=$3 ORDER BY seq`, tenantID, technicianID, planDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStops(rows)
}

func (p *Postgres) ListTechnicians(ctx context.Context, tenantID, planDate string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT technician_id FROM stop_assignments WHERE tenant_id=$1 AND plan_date=$2 ORDER BY technician_id`, tenantID, planDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveRoute upserts on (tenant, technician, plan date); a re-plan bumps the version.
func (p *Postgres) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return r, err
	}
	defer func() { _ = tx.Rollback() }()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	row := tx.QueryRowContext(ctx, `INSERT INTO routes (id, tenant_id, technician_id, plan_date, version, status, planar_distance, dist_m, drive_sec, created_at)
        VALUES ($1,$2,$3,$4,1,$5,$6,$7,$8,$9)
        ON CONFLICT (tenant_id, technician_id, plan_date) DO UPDATE SET
            version=routes.version+1, status=$10, planar_distance=EXCLUDED.planar_distance,
            dist_m=EXCLUDED.dist_m, drive_sec=EXCLUDED.drive_sec
        RETURNING id::text, version, status, created_at`,
		r.ID, r.TenantID, r.TechnicianID, r.PlanDate, model.RouteStatusSequenced, r.PlanarDistance, r.DistM, r.DriveSec, r.CreatedAt, model.RouteStatusReplanned)
	if err := row.Scan(&r.ID, &r.Version, &r.Status, &r.CreatedAt); err != nil {
		return r, fmt.Errorf("save route: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id=$1`, r.ID); err != nil {
		return r, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM route_legs WHERE route_id=$1`, r.ID); err != nil {
		return r, err
	}
	for i, s := range r.Stops {
		if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops (route_id, seq, stop_id, lat, lng, label) VALUES ($1,$2,$3,$4,$5,$6)`,
			r.ID, i, s.ID, s.Coord.Lat, s.Coord.Lng, nullIfEmpty(s.Label)); err != nil {
			return r, fmt.Errorf("save route: stop %s: %w", s.ID, err)
		}
	}
	for _, l := range r.Legs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO route_legs (route_id, seq, from_stop_id, to_stop_id, planar_distance, dist_m, drive_sec) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			r.ID, l.Seq, l.FromStopID, l.ToStopID, l.PlanarDistance, l.DistM, l.DriveSec); err != nil {
			return r, fmt.Errorf("save route: leg %d: %w", l.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	return r, nil
}

const routeColumns = `id::text, tenant_id, technician_id, plan_date::text, version, status, planar_distance, dist_m, drive_sec, created_at`

func scanRoute(row interface{ Scan(...any) error }) (model.Route, error) {
	var r model.Route
	err := row.Scan(&r.ID, &r.TenantID, &r.TechnicianID, &r.PlanDate, &r.Version, &r.Status, &r.PlanarDistance, &r.DistM, &r.DriveSec, &r.CreatedAt)
	return r, err
}

func (p *Postgres) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	if _, err := uuid.Parse(routeID); err != nil {
		return model.Route{}, ErrNotFound
	}
	r, err := scanRoute(p.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE tenant_id=$1 AND id=$2`, tenantID, routeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	if err := p.loadRouteChildren(ctx, &r); err != nil {
		return r, err
	}
	return r, nil
}

// ListRoutes pages routes ordered by creation time, then id, matching Memory.
func (p *Postgres) ListRoutes(ctx context.Context, tenantID, planDate, cursor string, limit int) ([]model.Route, string, error) {
	limit = pageSize(limit)
	q := `SELECT ` + routeColumns + ` FROM routes WHERE tenant_id=$1`
	args := []any{tenantID}
	if planDate != "" {
		args = append(args, planDate)
		q += fmt.Sprintf(` AND plan_date=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND (created_at, id::text) > (SELECT created_at, id::text FROM routes WHERE tenant_id=$1 AND id::text=$%d)`, len(args))
	}
	// one extra row tells whether another page exists
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY created_at, id::text LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	out := []model.Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			rows.Close()
			return nil, "", err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	for i := range out {
		if err := p.loadRouteChildren(ctx, &out[i]); err != nil {
			return nil, "", err
		}
	}
	return out, next, nil
}

func (p *Postgres) loadRouteChildren(ctx context.Context, r *model.Route) error {
	rows, err := p.db.QueryContext(ctx, `SELECT stop_id, lat, lng, COALESCE(label,'') FROM route_stops WHERE route_id=$1 ORDER BY seq`, r.ID)
	if err != nil {
		return err
	}
	r.Stops, err = scanStops(rows)
	rows.Close()
	if err != nil {
		return err
	}
	legRows, err := p.db.QueryContext(ctx, `SELECT seq, from_stop_id, to_stop_id, planar_distance, dist_m, drive_sec FROM route_legs WHERE route_id=$1 ORDER BY seq`, r.ID)
	if err != nil {
		return err
	}
	defer legRows.Close()
	r.Legs = []model.Leg{}
	for legRows.Next() {
		var l model.Leg
		if err := legRows.Scan(&l.Seq, &l.FromStopID, &l.ToStopID, &l.PlanarDistance, &l.DistM, &l.DriveSec); err != nil {
			return err
		}
		r.Legs = append(r.Legs, l)
	}
	return legRows.Err()
}

func scanStops(rows *sql.Rows) ([]model.Stop, error) {
	out := []model.Stop{}
	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.ID, &s.Coord.Lat, &s.Coord.Lng, &s.Label); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertProfile(ctx context.Context, userID, tenantID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO profiles (user_id, tenant_id) VALUES ($1,$2)
        ON CONFLICT (user_id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, updated_at=now()`, userID, tenantID)
	return err
}

func (p *Postgres) TenantForUser(ctx context.Context, userID string) (string, error) {
	var t string
	err := p.db.QueryRowContext(ctx, `SELECT tenant_id FROM profiles WHERE user_id=$1`, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return t, err
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, err := json.Marshal(req.Events)
	if err != nil {
		return model.Subscription{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.TenantID, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	filter, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows, tenantID)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = pageSize(limit)
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out, err := scanSubscriptions(rows, tenantID)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func scanSubscriptions(rows *sql.Rows, tenantID string) ([]model.Subscription, error) {
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnqueueWebhook returns an empty id when the same event was already queued for the URL.
func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	var got string
	err := p.db.QueryRowContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING
        RETURNING id::text`, id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, computeDedupKey(payload)).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return got, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (tenant_id, delivery_id, event_type, url, payload, attempts, last_error)
        SELECT tenant_id, id, event_type, url, payload, attempts, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	limit = pageSize(limit)
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url, COALESCE(response_code,0) FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts, code int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url, &code); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid && st != DeliveryDelivered {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		if code != 0 {
			m["responseCode"] = code
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
