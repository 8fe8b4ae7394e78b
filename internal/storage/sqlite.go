package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"campaignd/internal/campaign"
	"campaignd/internal/gateway"
	logx "campaignd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means sqlite default
}

// Store implements the engine's Store, Directory and Identity ports on one
// sqlite database.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- campaigns ----

func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	spec, err := json.Marshal(c.Target)
	if err != nil {
		return err
	}
	var opts []byte
	if c.MessageOptions != nil {
		opts, err = json.Marshal(c.MessageOptions)
		if err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, owner_id, title, message_body, message_options, target_spec, status,
		                       scheduled_at, recipients, total_recipients, successful_sends, failed_sends, created_at, sent_at)
		 VALUES(?,?,?,?,?,?,?,?,NULL,0,0,0,?,NULL)`,
		c.ID, c.OwnerID, c.Title, c.MessageBody, nullStr(string(opts)), string(spec), string(c.Status),
		nullMilli(c.ScheduledAt), c.CreatedAt.UnixMilli(),
	)
	return err
}

const campaignCols = `id, owner_id, title, message_body, message_options, target_spec, status,
	scheduled_at, recipients, total_recipients, successful_sends, failed_sends, created_at, sent_at`

func (s *Store) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	return c, err
}

func (s *Store) ListCampaigns(ctx context.Context, ownerID int64, status *campaign.Status, page campaign.Page) ([]*campaign.Campaign, error) {
	q := `SELECT ` + campaignCols + ` FROM campaigns WHERE owner_id = ?`
	args := []any{ownerID}
	if status != nil {
		q += ` AND status = ?`
		args = append(args, string(*status))
	}
	q += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM campaigns
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at, id`,
		string(campaign.StatusScheduled), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CASStatus(ctx context.Context, id string, from []campaign.Status, to campaign.Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("CASStatus: empty from set")
	}
	// A terminal transition stamps sent_at, same as FinishCampaign.
	set := `status = ?`
	args := make([]any, 0, len(from)+3)
	args = append(args, string(to))
	if to.Terminal() {
		set += `, sent_at = ?`
		args = append(args, time.Now().UTC().UnixMilli())
	}
	args = append(args, id)
	ph := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET `+set+` WHERE id = ? AND status IN (`+ph+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) FreezeAudience(ctx context.Context, id string, recipients []int64) error {
	b, err := json.Marshal(recipients)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE campaigns SET recipients = ?, total_recipients = ?
		 WHERE id = ? AND total_recipients = 0`,
		string(b), len(recipients), id)
	return err
}

func (s *Store) FinishCampaign(ctx context.Context, id string, status campaign.Status, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, sent_at = ? WHERE id = ? AND status = ?`,
		string(status), at.UnixMilli(), id, string(campaign.StatusSending))
	return err
}

// ---- delivery records ----

func (s *Store) RecordOutcome(ctx context.Context, rec campaign.DeliveryRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivery_records(campaign_id, recipient_id, outcome, error_detail, attempts, attempted_at)
		 VALUES(?,?,?,?,?,?)`,
		rec.CampaignID, rec.RecipientID, string(rec.Outcome), nullStr(rec.ErrorDetail), rec.Attempts, rec.AttemptedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already settled by a previous attempt; keep counters untouched.
		return false, tx.Commit()
	}

	col := "failed_sends"
	if rec.Outcome == campaign.OutcomeSuccess {
		col = "successful_sends"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET `+col+` = `+col+` + 1 WHERE id = ?`, rec.CampaignID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) TerminalRecipients(ctx context.Context, campaignID string) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id FROM delivery_records WHERE campaign_id = ? AND outcome != ?`,
		campaignID, string(campaign.OutcomePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) ListDeliveryRecords(ctx context.Context, campaignID string, page campaign.Page) ([]campaign.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, recipient_id, outcome, error_detail, attempts, attempted_at
		 FROM delivery_records WHERE campaign_id = ?
		 ORDER BY attempted_at, recipient_id LIMIT ? OFFSET ?`,
		campaignID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.DeliveryRecord
	for rows.Next() {
		var rec campaign.DeliveryRecord
		var outcome string
		var detail sql.NullString
		var at int64
		if err := rows.Scan(&rec.CampaignID, &rec.RecipientID, &outcome, &detail, &rec.Attempts, &at); err != nil {
			return nil, err
		}
		rec.Outcome = campaign.DeliveryOutcome(outcome)
		rec.ErrorDetail = detail.String
		rec.AttemptedAt = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- directory ----

func (s *Store) ListActive(ctx context.Context, botID int64, f campaign.AudienceFilter) ([]int64, error) {
	q := `SELECT chat_id FROM subscribers WHERE bot_id = ? AND active = 1`
	args := []any{botID}
	if f.ChatType != "" {
		q += ` AND chat_type = ?`
		args = append(args, f.ChatType)
	}
	if f.ActiveWithin > 0 {
		q += ` AND last_seen IS NOT NULL AND last_seen >= ?`
		args = append(args, time.Now().Add(-f.ActiveWithin).UnixMilli())
	}
	// Insertion order keeps resolution stable across resumes.
	q += ` ORDER BY joined_at, chat_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Exists(ctx context.Context, botID, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM subscribers WHERE bot_id = ? AND chat_id = ? AND active = 1`, botID, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Owns(ctx context.Context, ownerID, botID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM bots WHERE id = ? AND owner_id = ?`, botID, ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// UpsertBot registers a bot and its owner in the directory.
func (s *Store) UpsertBot(ctx context.Context, id, ownerID int64, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(id, owner_id, username) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, username=excluded.username`,
		id, ownerID, nullStr(username))
	return err
}

// Subscriber is one directory entry for UpsertSubscriber.
type Subscriber struct {
	BotID    int64
	ChatID   int64
	ChatType string
	Active   bool
	LastSeen time.Time
	JoinedAt time.Time
}

func (s *Store) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	if sub.ChatType == "" {
		sub.ChatType = "private"
	}
	if sub.JoinedAt.IsZero() {
		sub.JoinedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(bot_id, chat_id, chat_type, active, last_seen, joined_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(bot_id, chat_id) DO UPDATE SET
		   chat_type=excluded.chat_type, active=excluded.active, last_seen=excluded.last_seen`,
		sub.BotID, sub.ChatID, sub.ChatType, boolInt(sub.Active), nullMilli(timePtr(sub.LastSeen)), sub.JoinedAt.UnixMilli())
	return err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*campaign.Campaign, error) {
	var (
		c         campaign.Campaign
		opts      sql.NullString
		spec      string
		status    string
		scheduled sql.NullInt64
		frozen    sql.NullString
		created   int64
		sent      sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.MessageBody, &opts, &spec, &status,
		&scheduled, &frozen, &c.TotalRecipients, &c.SuccessfulSends, &c.FailedSends, &created, &sent); err != nil {
		return nil, err
	}
	if frozen.Valid && frozen.String != "" {
		if err := json.Unmarshal([]byte(frozen.String), &c.Recipients); err != nil {
			return nil, fmt.Errorf("campaign %s: bad recipient snapshot: %w", c.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(spec), &c.Target); err != nil {
		return nil, fmt.Errorf("campaign %s: bad target spec: %w", c.ID, err)
	}
	if opts.Valid && opts.String != "" {
		var mo gateway.MessageOptions
		if err := json.Unmarshal([]byte(opts.String), &mo); err != nil {
			return nil, fmt.Errorf("campaign %s: bad message options: %w", c.ID, err)
		}
		c.MessageOptions = &mo
	}
	c.Status = campaign.Status(status)
	c.CreatedAt = time.UnixMilli(created).UTC()
	if scheduled.Valid {
		t := time.UnixMilli(scheduled.Int64).UTC()
		c.ScheduledAt = &t
	}
	if sent.Valid {
		t := time.UnixMilli(sent.Int64).UTC()
		c.SentAt = &t
	}
	return &c, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMilli(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
