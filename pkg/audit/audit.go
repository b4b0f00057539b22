// Package audit keeps an append-only record of agent saga outcomes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventAgentCreated     EventType = "AGENT_SAGA_COMPLETED"
	EventAgentRolledBack  EventType = "AGENT_SAGA_COMPENSATED"
	EventAgentSagaFailed  EventType = "AGENT_SAGA_FAILED"
	EventAgentRejected    EventType = "AGENT_SAGA_REJECTED"
	EventStuckSagaFlagged EventType = "SAGA_STUCK_FLAGGED"
)

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

var ErrClosed = errors.New("audit: logger closed")

type Record struct {
	ID             int64     `json:"id"`
	EventType      EventType `json:"eventType"`
	OrganizationID int64     `json:"organizationId"`
	Resource       string    `json:"resource"`
	ResourceID     string    `json:"resourceId"`
	TransactionID  string    `json:"transactionId"`
	FailedStep     string    `json:"failedStep,omitempty"`
	Params         string    `json:"params"`
	Result         string    `json:"result"`
	ErrorMsg       string    `json:"errorMsg,omitempty"`
	Timestamp      int64     `json:"timestamp"`
}

// Logger is implemented by DBLogger; callers treat writes as best-effort.
type Logger interface {
	Log(ctx context.Context, rec *Record) error
	Query(ctx context.Context, filter *QueryFilter) ([]*Record, error)
}

type QueryFilter struct {
	OrganizationID int64
	EventType      EventType
	TransactionID  string
	StartTime      int64
	EndTime        int64
	Limit          int
	Offset         int
}

// NewRecord starts a successful record stamped with the current unix millis.
func NewRecord(eventType EventType, organizationID int64, transactionID string) *Record {
	return &Record{
		EventType:      eventType,
		OrganizationID: organizationID,
		TransactionID:  transactionID,
		Result:         ResultSuccess,
		Params:         "{}",
		Timestamp:      time.Now().UnixMilli(),
	}
}

func (r *Record) WithResource(resource, resourceID string) *Record {
	r.Resource = resource
	r.ResourceID = resourceID
	return r
}

// WithParams stores params as JSON with credential values redacted.
func (r *Record) WithParams(params map[string]any) *Record {
	r.Params = "{}"
	if b, err := json.Marshal(Redact(params)); err == nil {
		r.Params = string(b)
	}
	return r
}

func (r *Record) WithFailure(failedStep string, err error) *Record {
	r.Result = ResultFailed
	r.FailedStep = failedStep
	if err != nil {
		r.ErrorMsg = err.Error()
	}
	return r
}

// Redacted replaces credential values in audit params.
const Redacted = "[REDACTED]"

// Redact returns a copy of params with the values of credential-like keys
// replaced at any depth. Agent configs commonly carry model provider keys.
func Redact(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isCredentialKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return Redact(typed)
	case []any:
		cp := make([]any, len(typed))
		for i, item := range typed {
			cp[i] = redactValue(item)
		}
		return cp
	default:
		return v
	}
}

var credentialSuffixes = []string{"password", "passwd", "secret", "token", "credential", "credentials", "authorization", "apikey", "privatekey"}

// isCredentialKey splits key on separators and matches each segment by
// suffix, so "api_key", "accessToken" and "db-password" match while
// "max_tokens" and "keyword" do not.
func isCredentialKey(key string) bool {
	segments := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	for _, seg := range segments {
		if seg == "key" {
			return true
		}
		for _, suffix := range credentialSuffixes {
			if strings.HasSuffix(seg, suffix) {
				return true
			}
		}
	}
	return false
}

// DBLogger writes records to the saga_audit_logs table. By default writes
// go through a bounded queue drained by background workers; a full queue
// drops the record and reports it to the error handler.
type DBLogger struct {
	db *sql.DB

	mu        sync.RWMutex
	queue     chan *Record
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	writeTimeout time.Duration
	onError      func(error)
}

type DBLoggerOption func(*dbLoggerOptions)

type dbLoggerOptions struct {
	queueSize    int
	workers      int
	writeTimeout time.Duration
	onError      func(error)
	synchronous  bool
}

func WithQueueSize(size int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite makes Log insert inline and return the insert error.
func WithSynchronousWrite() DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.synchronous = true
	}
}

func NewDBLogger(db *sql.DB, opts ...DBLoggerOption) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbLoggerOptions{
		queueSize:    1024,
		workers:      2,
		writeTimeout: 5 * time.Second,
		onError:      func(error) {},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &DBLogger{db: db, writeTimeout: cfg.writeTimeout, onError: cfg.onError}
	if cfg.synchronous {
		return l, nil
	}

	l.queue = make(chan *Record, cfg.queueSize)
	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l, nil
}

func (l *DBLogger) worker() {
	defer l.wg.Done()
	for rec := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		if err := l.insert(ctx, rec); err != nil {
			l.onError(fmt.Errorf("audit: insert %s: %w", rec.EventType, err))
		}
		cancel()
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (l *DBLogger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		if l.queue != nil {
			close(l.queue)
		}
		l.mu.Unlock()
		l.wg.Wait()
	})
}

func (l *DBLogger) Log(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	if strings.TrimSpace(rec.Params) == "" {
		rec.Params = "{}"
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if l.queue == nil {
		return l.insert(ctx, rec)
	}
	select {
	case l.queue <- rec:
	default:
		l.onError(errors.New("audit: queue full, record dropped"))
	}
	return nil
}

func (l *DBLogger) Query(ctx context.Context, filter *QueryFilter) ([]*Record, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	limit, offset := 100, 0
	if filter != nil {
		if filter.OrganizationID != 0 {
			add("organization_id = $%d", filter.OrganizationID)
		}
		if filter.EventType != "" {
			add("event_type = $%d", string(filter.EventType))
		}
		if filter.TransactionID != "" {
			add("transaction_id = $%d", filter.TransactionID)
		}
		if filter.StartTime != 0 {
			add("timestamp >= $%d", filter.StartTime)
		}
		if filter.EndTime != 0 {
			add("timestamp <= $%d", filter.EndTime)
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}

	query := `SELECT id, event_type, organization_id, resource, resource_id, transaction_id, failed_step, params, result, error_msg, timestamp
FROM saga_audit_logs`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf("\nORDER BY timestamp DESC, id DESC\nLIMIT %d OFFSET %d", limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.EventType, &r.OrganizationID, &r.Resource, &r.ResourceID,
			&r.TransactionID, &r.FailedStep, &r.Params, &r.Result, &r.ErrorMsg, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (l *DBLogger) insert(ctx context.Context, r *Record) error {
	const stmt = `INSERT INTO saga_audit_logs
(event_type, organization_id, resource, resource_id, transaction_id, failed_step, params, result, error_msg, timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := l.db.ExecContext(ctx, stmt,
		string(r.EventType), r.OrganizationID, r.Resource, r.ResourceID, r.TransactionID,
		r.FailedStep, r.Params, r.Result, r.ErrorMsg, r.Timestamp,
	)
	return err
}

// CreateTableSQL is the saga_audit_logs schema.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS saga_audit_logs (
  id BIGSERIAL PRIMARY KEY,
  event_type VARCHAR(64) NOT NULL,
  organization_id BIGINT NOT NULL DEFAULT 0,
  resource VARCHAR(64) NOT NULL DEFAULT '',
  resource_id VARCHAR(128) NOT NULL DEFAULT '',
  transaction_id VARCHAR(64) NOT NULL DEFAULT '',
  failed_step VARCHAR(64) NOT NULL DEFAULT '',
  params JSONB NOT NULL DEFAULT '{}'::jsonb,
  result VARCHAR(16) NOT NULL DEFAULT 'SUCCESS',
  error_msg TEXT NOT NULL DEFAULT '',
  timestamp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_audit_org_ts ON saga_audit_logs(organization_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_saga_audit_tx ON saga_audit_logs(transaction_id);
`
