// Package captchaq is the manual-solve task queue. When every automated
// tier fails on a challenge, the orchestrator parks the URL here; a
// human operator claims the task, solves the challenge in their own
// browser, and submits the resulting clearance. Tasks persist in SQLite
// so a restart loses nothing.
package captchaq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/titanfetch/titan/internal/clearance"
	"github.com/titanfetch/titan/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS captcha_task (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid        TEXT    NOT NULL UNIQUE,
	url         TEXT    NOT NULL,
	domain      TEXT    NOT NULL,
	status      TEXT    NOT NULL DEFAULT 'pending',
	priority    INTEGER NOT NULL DEFAULT 0,
	assigned_to TEXT    NOT NULL DEFAULT '',
	challenge   TEXT    NOT NULL DEFAULT '',
	result      TEXT    NOT NULL DEFAULT '',
	proxy_url   TEXT    NOT NULL DEFAULT '',
	last_error  TEXT    NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	request_id  TEXT    NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	assigned_at INTEGER NOT NULL DEFAULT 0,
	solved_at   INTEGER NOT NULL DEFAULT 0,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captcha_claim  ON captcha_task(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_captcha_domain ON captcha_task(domain, status);
`

// Config holds queue tuning.
type Config struct {
	// TaskTTL is how long an enqueued task stays solvable before the
	// sweeper expires it.
	TaskTTL time.Duration

	// AssignmentTimeout releases a claimed task back to pending when
	// the operator goes quiet.
	AssignmentTimeout time.Duration

	// MaxAttempts bounds how often a task can bounce back to pending
	// before it is failed outright.
	MaxAttempts int

	// SweepInterval is how often the background sweeper runs. Zero
	// disables the sweeper (tests drive SweepOnce directly).
	SweepInterval time.Duration
}

// DefaultConfig returns the standard queue tuning.
func DefaultConfig() Config {
	return Config{
		TaskTTL:           30 * time.Minute,
		AssignmentTimeout: 5 * time.Minute,
		MaxAttempts:       3,
		SweepInterval:     30 * time.Second,
	}
}

// Queue is the persistent manual-solve queue. All methods are safe for
// concurrent use.
type Queue struct {
	db       *sql.DB
	cfg      Config
	sessions clearance.Store

	mu      sync.Mutex
	waiters map[string][]chan *types.Task
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	nowFn  func() time.Time
}

// Open opens (creating if needed) the queue database at path. Solved
// tasks write their clearance through to sessions; pass nil to skip the
// write-through.
func Open(path string, cfg Config, sessions clearance.Store) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent claims.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, types.NewInfraError("captcha-queue", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, types.NewInfraError("captcha-queue", err)
	}

	q := &Queue{
		db:       db,
		cfg:      cfg,
		sessions: sessions,
		waiters:  make(map[string][]chan *types.Task),
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
	}
	if cfg.SweepInterval > 0 {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.sweepRoutine()
		}()
	}

	log.Info().Str("path", path).Msg("CAPTCHA queue opened")
	return q, nil
}

// Enqueue creates a pending task for the URL. If the domain already has
// a live (non-terminal) task, that task is returned instead so callers
// pile onto one solve rather than flooding operators with duplicates.
func (q *Queue) Enqueue(ctx context.Context, url, domain string, challenge types.ChallengeKind, proxyURL, requestID string, priority int) (*types.Task, error) {
	now := q.nowFn()

	// Dedup check and insert share one transaction so concurrent
	// enqueues for a domain cannot both pass the check.
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	defer tx.Rollback()

	existing, err := liveTaskForDomain(ctx, tx, domain)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Debug().
			Str("domain", domain).
			Str("task", existing.UUID).
			Msg("Joining existing CAPTCHA task for domain")
		return existing, nil
	}

	id := uuid.NewString()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO captcha_task (uuid, url, domain, status, priority, challenge, proxy_url, request_id, created_at, expires_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
		id, url, domain, priority, string(challenge), proxyURL, requestID,
		now.Unix(), now.Add(q.cfg.TaskTTL).Unix())
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	rowID, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}

	log.Info().
		Str("task", id).
		Str("domain", domain).
		Str("challenge", string(challenge)).
		Int("priority", priority).
		Msg("CAPTCHA task enqueued")

	return &types.Task{
		ID:            rowID,
		UUID:          id,
		URL:           url,
		Domain:        domain,
		Status:        types.TaskPending,
		Priority:      priority,
		ChallengeType: challenge,
		ProxyURL:      proxyURL,
		RequestID:     requestID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(q.cfg.TaskTTL),
	}, nil
}

// Claim atomically assigns the highest-priority pending task (oldest
// first on ties) to the operator. Returns (nil, nil) when no task is
// pending.
func (q *Queue) Claim(ctx context.Context, operator string) (*types.Task, error) {
	now := q.nowFn()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	defer tx.Rollback()

	var rowID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM captcha_task
		WHERE status = 'pending' AND expires_at > ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, now.Unix()).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'assigned', assigned_to = ?, assigned_at = ?
		WHERE id = ? AND status = 'pending'`,
		operator, now.Unix(), rowID)
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race inside the transaction window.
		return nil, nil
	}

	task, err := scanTask(tx.QueryRowContext(ctx, selectTask+" WHERE id = ?", rowID))
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}

	log.Info().Str("task", task.UUID).Str("operator", operator).Msg("CAPTCHA task claimed")
	return task, nil
}

// Assign hands a specific pending task to the operator. Unlike Claim
// the caller picks the task, so a dashboard can route work explicitly.
func (q *Queue) Assign(ctx context.Context, taskUUID, operator string) (*types.Task, error) {
	now := q.nowFn()
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'assigned', assigned_to = ?, assigned_at = ?
		WHERE uuid = ? AND status = 'pending' AND expires_at > ?`,
		operator, now.Unix(), taskUUID, now.Unix())
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		task, gerr := q.Get(ctx, taskUUID)
		if gerr != nil {
			return nil, gerr
		}
		if task.Status.Terminal() {
			return nil, types.ErrTaskTerminal
		}
		return nil, types.ErrTaskNotPending
	}

	task, err := q.Get(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("task", taskUUID).Str("operator", operator).Msg("CAPTCHA task assigned")
	return task, nil
}

// Start transitions an assigned task to in_progress. Only the assignee
// may start it.
func (q *Queue) Start(ctx context.Context, taskUUID, operator string) error {
	task, err := q.Get(ctx, taskUUID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskAssigned {
		return types.ErrTaskNotPending
	}
	if task.AssignedTo != operator {
		return types.ErrNotAssignee
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'in_progress'
		WHERE uuid = ? AND status = 'assigned' AND assigned_to = ?`,
		taskUUID, operator)
	if err != nil {
		return types.NewInfraError("captcha-queue", err)
	}
	return nil
}

// Submit accepts a solve from the assigned operator: the task becomes
// solved, the result is recorded, and the clearance is written through
// to the session store so parked and future requests can use it.
func (q *Queue) Submit(ctx context.Context, taskUUID, operator string, result types.SolverResult) error {
	if result.Empty() {
		return types.ErrEmptySolution
	}
	task, err := q.Get(ctx, taskUUID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return types.ErrTaskTerminal
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskInProgress {
		return types.ErrTaskNotPending
	}
	if task.AssignedTo != operator {
		return types.ErrNotAssignee
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := q.nowFn()
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'solved', result = ?, solved_at = ?
		WHERE uuid = ? AND status IN ('assigned', 'in_progress') AND assigned_to = ?`,
		string(payload), now.Unix(), taskUUID, operator)
	if err != nil {
		return types.NewInfraError("captcha-queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrTaskTerminal
	}

	if q.sessions != nil {
		s := clearance.NewSession(task.Domain, result.Clearance, result.UserAgent, result.Cookies, 0)
		if err := q.sessions.Put(ctx, s); err != nil {
			log.Error().Err(err).Str("domain", task.Domain).Msg("Failed to store solved clearance")
		}
	}

	log.Info().
		Str("task", taskUUID).
		Str("operator", operator).
		Str("domain", task.Domain).
		Msg("CAPTCHA task solved")

	q.notify(taskUUID)
	return nil
}

// MarkFailed moves a claimed task to the failed terminal state.
func (q *Queue) MarkFailed(ctx context.Context, taskUUID, operator, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'failed', last_error = ?
		WHERE uuid = ? AND status IN ('assigned', 'in_progress') AND assigned_to = ?`,
		reason, taskUUID, operator)
	if err != nil {
		return types.NewInfraError("captcha-queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		task, gerr := q.Get(ctx, taskUUID)
		if gerr != nil {
			return gerr
		}
		if task.Status.Terminal() {
			return types.ErrTaskTerminal
		}
		if task.AssignedTo != operator {
			return types.ErrNotAssignee
		}
		return types.ErrTaskNotPending
	}
	log.Info().Str("task", taskUUID).Str("reason", reason).Msg("CAPTCHA task failed")
	q.notify(taskUUID)
	return nil
}

// MarkUnsolvable moves a task to the unsolvable terminal state from any
// live state. Unlike MarkFailed this does not require an assignment.
func (q *Queue) MarkUnsolvable(ctx context.Context, taskUUID, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'unsolvable', last_error = ?
		WHERE uuid = ? AND status IN ('pending', 'assigned', 'in_progress')`,
		reason, taskUUID)
	if err != nil {
		return types.NewInfraError("captcha-queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := q.Get(ctx, taskUUID); gerr != nil {
			return gerr
		}
		return types.ErrTaskTerminal
	}
	log.Info().Str("task", taskUUID).Str("reason", reason).Msg("CAPTCHA task marked unsolvable")
	q.notify(taskUUID)
	return nil
}

// Get returns the task by UUID.
func (q *Queue) Get(ctx context.Context, taskUUID string) (*types.Task, error) {
	task, err := scanTask(q.db.QueryRowContext(ctx, selectTask+" WHERE uuid = ?", taskUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	return task, nil
}

// List returns tasks filtered by status; an empty status lists all,
// newest first.
func (q *Queue) List(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectTask
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, types.NewInfraError("captcha-queue", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Await blocks until the task reaches a terminal state or ctx is done,
// returning the final task. The orchestrator parks here while a human
// works the challenge.
func (q *Queue) Await(ctx context.Context, taskUUID string) (*types.Task, error) {
	ch := make(chan *types.Task, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, types.ErrQueueClosed
	}
	q.waiters[taskUUID] = append(q.waiters[taskUUID], ch)
	q.mu.Unlock()

	// The task may already be terminal; check after registering so a
	// concurrent notify cannot slip between check and wait.
	if task, err := q.Get(ctx, taskUUID); err == nil && task.Status.Terminal() {
		q.unregister(taskUUID, ch)
		return task, nil
	}

	select {
	case task := <-ch:
		return task, nil
	case <-ctx.Done():
		q.unregister(taskUUID, ch)
		return nil, ctx.Err()
	case <-q.stopCh:
		q.unregister(taskUUID, ch)
		return nil, types.ErrQueueClosed
	}
}

// notify delivers the terminal task to every parked waiter.
func (q *Queue) notify(taskUUID string) {
	task, err := q.Get(context.Background(), taskUUID)
	if err != nil {
		log.Error().Err(err).Str("task", taskUUID).Msg("Failed to load task for waiter notify")
		return
	}

	q.mu.Lock()
	chans := q.waiters[taskUUID]
	delete(q.waiters, taskUUID)
	q.mu.Unlock()

	for _, ch := range chans {
		ch <- task
	}
}

func (q *Queue) unregister(taskUUID string, ch chan *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	chans := q.waiters[taskUUID]
	for i, c := range chans {
		if c == ch {
			q.waiters[taskUUID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.waiters[taskUUID]) == 0 {
		delete(q.waiters, taskUUID)
	}
}

// rowQuerier is the single-row query surface shared by *sql.DB and
// *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// liveTaskForDomain finds a non-terminal task for domain, if any.
func liveTaskForDomain(ctx context.Context, db rowQuerier, domain string) (*types.Task, error) {
	task, err := scanTask(db.QueryRowContext(ctx,
		selectTask+` WHERE domain = ? AND status IN ('pending', 'assigned', 'in_progress') ORDER BY created_at ASC LIMIT 1`,
		domain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	return task, nil
}

func (q *Queue) sweepRoutine() {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := q.SweepOnce(context.Background()); err != nil {
				log.Error().Err(err).Msg("CAPTCHA queue sweep failed")
			}
		case <-q.stopCh:
			return
		}
	}
}

// SweepOnce expires overdue tasks and releases stale assignments back
// to pending. Exported so tests and operators can force a pass.
func (q *Queue) SweepOnce(ctx context.Context) error {
	now := q.nowFn()

	// Phase 1: expire anything past its TTL.
	expired, err := q.collectUUIDs(ctx, `
		SELECT uuid FROM captcha_task
		WHERE status IN ('pending', 'assigned', 'in_progress') AND expires_at <= ?`, now.Unix())
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		if _, err := q.db.ExecContext(ctx, `
			UPDATE captcha_task SET status = 'expired', last_error = 'task ttl elapsed'
			WHERE status IN ('pending', 'assigned', 'in_progress') AND expires_at <= ?`, now.Unix()); err != nil {
			return types.NewInfraError("captcha-queue", err)
		}
		log.Info().Int("count", len(expired)).Msg("Expired CAPTCHA tasks")
		for _, id := range expired {
			q.notify(id)
		}
	}

	// Phase 2: release assignments held past the timeout. Tasks out of
	// attempts fail instead of bouncing forever.
	cutoff := now.Add(-q.cfg.AssignmentTimeout).Unix()

	failed, err := q.collectUUIDs(ctx, `
		SELECT uuid FROM captcha_task
		WHERE status IN ('assigned', 'in_progress') AND assigned_at <= ? AND attempts + 1 >= ?`,
		cutoff, q.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		if _, err := q.db.ExecContext(ctx, `
			UPDATE captcha_task SET status = 'failed', attempts = attempts + 1, last_error = 'assignment timeout, attempts exhausted'
			WHERE status IN ('assigned', 'in_progress') AND assigned_at <= ? AND attempts + 1 >= ?`,
			cutoff, q.cfg.MaxAttempts); err != nil {
			return types.NewInfraError("captcha-queue", err)
		}
		for _, id := range failed {
			q.notify(id)
		}
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'pending', assigned_to = '', assigned_at = 0, attempts = attempts + 1
		WHERE status IN ('assigned', 'in_progress') AND assigned_at <= ?`, cutoff)
	if err != nil {
		return types.NewInfraError("captcha-queue", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("count", n).Msg("Released stale CAPTCHA assignments")
	}
	return nil
}

func (q *Queue) collectUUIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewInfraError("captcha-queue", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewInfraError("captcha-queue", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the sweeper, wakes all waiters with ErrQueueClosed, and
// closes the database. Safe to call multiple times.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
	return q.db.Close()
}

const selectTask = `
	SELECT id, uuid, url, domain, status, priority, assigned_to, challenge,
	       result, proxy_url, last_error, attempts, request_id,
	       created_at, assigned_at, solved_at, expires_at
	FROM captcha_task`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var status, challenge, result string
	var createdAt, assignedAt, solvedAt, expiresAt int64

	err := row.Scan(&t.ID, &t.UUID, &t.URL, &t.Domain, &status, &t.Priority,
		&t.AssignedTo, &challenge, &result, &t.ProxyURL, &t.LastError,
		&t.Attempts, &t.RequestID, &createdAt, &assignedAt, &solvedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	t.Status = types.TaskStatus(status)
	t.ChallengeType = types.ChallengeKind(challenge)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.ExpiresAt = time.Unix(expiresAt, 0)
	if assignedAt > 0 {
		t.AssignedAt = time.Unix(assignedAt, 0)
	}
	if solvedAt > 0 {
		t.SolvedAt = time.Unix(solvedAt, 0)
	}
	if result != "" {
		var sr types.SolverResult
		if err := json.Unmarshal([]byte(result), &sr); err != nil {
			return nil, fmt.Errorf("corrupt solver result on task %s: %w", t.UUID, err)
		}
		t.Result = &sr
	}
	return &t, nil
}
