package postgres

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// AlertsRepo implements domain.AlertCandidateStore over alert_candidates:
// a day-bucketed SHA-256 dedupe key plus the two-clause dedupe, a 24h
// NOT EXISTS window and a unique-index ON CONFLICT DO NOTHING.
type AlertsRepo struct{ Pool PgxPool }

// NewAlertsRepo constructs an AlertsRepo with the given pool.
func NewAlertsRepo(p PgxPool) *AlertsRepo { return &AlertsRepo{Pool: p} }

// dedupeKey hashes (feed, feeder, alert_type, title, day) into the
// alert_candidates_dedupe_idx key.
func dedupeKey(feedID int64, feederID *int64, alertType, title string, now time.Time) string {
	fid := int64(0)
	if feederID != nil {
		fid = *feederID
	}
	dayBucket := now.UTC().Format("2006-01-02")
	base := fmt.Sprintf("%d|%d|%s|%s|%s", feedID, fid, alertType, strings.ToLower(strings.TrimSpace(title)), dayBucket)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// RecentTypes returns the alert_type set already emitted for feedID since the given time.
func (r *AlertsRepo) RecentTypes(ctx domain.Context, feedID int64, since time.Time) (map[string]struct{}, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.RecentTypes")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "alert_candidates"))

	rows, err := r.Pool.Query(ctx, `SELECT DISTINCT alert_type FROM alert_candidates WHERE feed_id=$1 AND created_at >= $2`, feedID, since)
	if err != nil {
		return nil, fmt.Errorf("op=alerts.recent_types: %w", err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("op=alerts.recent_types.scan: %w", err)
		}
		out[t] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=alerts.recent_types.rows: %w", err)
	}
	return out, nil
}

// Upsert inserts a candidate. Two independent dedupe clauses gate the
// insert: a WHERE NOT EXISTS guard against the same (feed, feeder,
// alert_type, title) firing twice within 24 hours, and a unique index on
// (feed_id, alert_dedupe_key) as a second line of defense against races.
func (r *AlertsRepo) Upsert(ctx domain.Context, c domain.AlertCandidate) (bool, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "alert_candidates"))

	now := time.Now()
	key := dedupeKey(c.FeedID, c.FeederID, c.AlertType, c.Title, now)
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return false, fmt.Errorf("op=alerts.upsert.marshal: %w", err)
	}

	q := `
		INSERT INTO alert_candidates (
			feed_id, feeder_id, ui_tab, alert_category, alert_color, alert_urgency,
			alert_dedupe_key, alert_family, alert_type, priority_score, impact_score,
			confidence_score, freshness_score, novelty_score, actionability_score,
			title, body, payload, status, created_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18::jsonb, 'candidate', NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM alert_candidates ac
			WHERE ac.feed_id = $1
			  AND COALESCE(ac.feeder_id, 0) = COALESCE($2, 0)
			  AND ac.alert_type = $9
			  AND ac.title = $16
			  AND ac.created_at >= NOW() - INTERVAL '24 hours'
			  AND ac.status IN ('candidate', 'selected', 'sent')
		)
		ON CONFLICT (feed_id, alert_dedupe_key) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q,
		c.FeedID, c.FeederID, c.UITab, c.AlertCategory, c.AlertColor, c.AlertUrgency, key, c.AlertFamily, c.AlertType,
		c.PriorityScore, c.ImpactScore, c.ConfidenceScore, c.FreshnessScore, c.NoveltyScore, c.ActionabilityScore,
		c.Title, c.Body, payload)
	if err != nil {
		return false, fmt.Errorf("op=alerts.upsert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetEngineState loads the per-feed scan watermarks, creating a zero-value row on first access.
func (r *AlertsRepo) GetEngineState(ctx domain.Context, feedID int64) (domain.AlertEngineState, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.GetEngineState")
	defer span.End()

	insertQ := `INSERT INTO alert_engine_state (feed_id, created_at, updated_at) VALUES ($1, NOW(), NOW()) ON CONFLICT (feed_id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, insertQ, feedID); err != nil {
		return domain.AlertEngineState{}, fmt.Errorf("op=alerts.get_engine_state.init: %w", err)
	}

	row := r.Pool.QueryRow(ctx, `SELECT last_hot_scan_at, last_pattern_scan_at FROM alert_engine_state WHERE feed_id=$1`, feedID)
	s := domain.AlertEngineState{FeedID: feedID}
	if err := row.Scan(&s.LastHotScanAt, &s.LastPatternScanAt); err != nil {
		if err == pgx.ErrNoRows {
			return s, nil
		}
		return domain.AlertEngineState{}, fmt.Errorf("op=alerts.get_engine_state: %w", err)
	}
	return s, nil
}

// MarkScan updates the per-feed scan watermarks.
func (r *AlertsRepo) MarkScan(ctx domain.Context, feedID int64, hotScanAt, patternScanAt time.Time) error {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.MarkScan")
	defer span.End()

	q := `
		UPDATE alert_engine_state
		SET last_hot_scan_at=$2, last_pattern_scan_at=$3, updated_at=NOW()
		WHERE feed_id=$1`
	if _, err := r.Pool.Exec(ctx, q, feedID, hotScanAt, patternScanAt); err != nil {
		return fmt.Errorf("op=alerts.mark_scan: %w", err)
	}
	return nil
}
