package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/crew/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent handlers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Workdirs ---

func (s *SQLiteStore) CreateWorkdir(ctx context.Context, w *models.Workdir) error {
	if w.ID == "" {
		w.ID = newULID()
	}
	if w.Status == "" {
		w.Status = models.WorkdirStatusActive
	}
	w.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workdirs (id, project_id, name, path, workdir_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.Name, w.Path, w.Status, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkdir(ctx context.Context, id string) (*models.Workdir, error) {
	w := &models.Workdir{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, path, workdir_status, created_at
		FROM workdirs WHERE id = ?`, id,
	).Scan(&w.ID, &w.ProjectID, &w.Name, &w.Path, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workdir %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workdir: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) UpdateWorkdir(ctx context.Context, w *models.Workdir) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workdirs SET project_id = ?, name = ?, path = ?, workdir_status = ?
		WHERE id = ?`,
		w.ProjectID, w.Name, w.Path, w.Status, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update workdir: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workdir %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListWorkdirs(ctx context.Context, projectID string) ([]*models.Workdir, error) {
	var rows *sql.Rows
	var err error
	if projectID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project_id, name, path, workdir_status, created_at
			FROM workdirs WHERE project_id = ? ORDER BY name`, projectID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project_id, name, path, workdir_status, created_at
			FROM workdirs ORDER BY name`)
	}
	if err != nil {
		return nil, fmt.Errorf("list workdirs: %w", err)
	}
	defer rows.Close()

	var workdirs []*models.Workdir
	for rows.Next() {
		w := &models.Workdir{}
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.Name, &w.Path, &w.Status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workdir: %w", err)
		}
		workdirs = append(workdirs, w)
	}
	return workdirs, rows.Err()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusBacklog
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workdir_id, title, task_status, is_starred, last_turn_result, queue_paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkdirID, t.Title, t.Status, boolToInt(t.IsStarred),
		string(t.LastTurnResult), boolToInt(t.QueuePaused), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var result string
	err := row.Scan(&t.ID, &t.WorkdirID, &t.Title, &t.Status, &t.IsStarred,
		&result, &t.QueuePaused, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.LastTurnResult = models.TurnResult(result)
	return t, nil
}

const taskColumns = `id, workdir_id, title, task_status, is_starred, last_turn_result, queue_paused, created_at, updated_at`

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns2("t") + `
		FROM tasks t JOIN workdirs w ON w.id = t.workdir_id WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += " AND w.project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.WorkdirID != "" {
		query += " AND t.workdir_id = ?"
		args = append(args, filter.WorkdirID)
	}
	if filter.WorkdirStatus != "" {
		query += " AND w.workdir_status = ?"
		args = append(args, filter.WorkdirStatus)
	}
	if filter.TaskStatus != "" {
		query += " AND t.task_status = ?"
		args = append(args, filter.TaskStatus)
	}
	query += " ORDER BY t.created_at DESC, t.id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// taskColumns2 prefixes each task column with the given table alias.
func taskColumns2(alias string) string {
	return alias + ".id, " + alias + ".workdir_id, " + alias + ".title, " +
		alias + ".task_status, " + alias + ".is_starred, " + alias + ".last_turn_result, " +
		alias + ".queue_paused, " + alias + ".created_at, " + alias + ".updated_at"
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, task_status = ?, is_starred = ?, last_turn_result = ?, queue_paused = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Status, boolToInt(t.IsStarred), string(t.LastTurnResult),
		boolToInt(t.QueuePaused), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// --- Conversation entries ---

func (s *SQLiteStore) AppendEntry(ctx context.Context, e *models.ConversationEntry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Next seq and the append itself run inside one transaction so
	// concurrent appends to the same task cannot collide.
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_entries WHERE task_id = ?`,
		e.TaskID).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	e.Seq = next

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_entries (entry_id, task_id, seq, kind, created_at_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Seq, e.Kind, e.CreatedAt, string(e.Payload),
	); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), e.TaskID)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", e.TaskID, ErrNotFound)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListEntries(ctx context.Context, taskID string, beforeSeq int64, limit int) (*EntryPage, error) {
	// Count and select run in one transaction so an append landing
	// between them cannot skew Total against the returned window.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin list entries: %w", err)
	}
	defer tx.Rollback()

	countQuery := `SELECT COUNT(*) FROM conversation_entries WHERE task_id = ?`
	countArgs := []any{taskID}
	if beforeSeq > 0 {
		countQuery += " AND seq <= ?"
		countArgs = append(countArgs, beforeSeq)
	}
	var total int64
	if err := tx.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}

	// Select the trailing window of the (possibly bounded) log: order
	// descending with LIMIT, then reverse so callers see seq ascending.
	query := `SELECT entry_id, task_id, seq, kind, created_at_ms, payload
		FROM conversation_entries WHERE task_id = ?`
	args := []any{taskID}
	if beforeSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, beforeSeq)
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.ConversationEntry
	for rows.Next() {
		e := &models.ConversationEntry{}
		var payload string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Seq, &e.Kind, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit list entries: %w", err)
	}
	return &EntryPage{Entries: entries, Total: total}, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, taskID, entryID string) (*models.ConversationEntry, error) {
	e := &models.ConversationEntry{}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_id, task_id, seq, kind, created_at_ms, payload
		FROM conversation_entries WHERE task_id = ? AND entry_id = ?`,
		taskID, entryID,
	).Scan(&e.ID, &e.TaskID, &e.Seq, &e.Kind, &e.CreatedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	e.Payload = []byte(payload)
	return e, nil
}

// --- Queued prompts ---

// marshalAttachmentRefs serializes refs for the attachments column.
// Empty slices store as the empty string so old rows read cleanly.
func marshalAttachmentRefs(refs []models.AttachmentRef) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalAttachmentRefs(data string) ([]models.AttachmentRef, error) {
	if data == "" {
		return nil, nil
	}
	var refs []models.AttachmentRef
	if err := json.Unmarshal([]byte(data), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *SQLiteStore) EnqueuePrompt(ctx context.Context, p *models.QueuedPrompt) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM queued_prompts WHERE task_id = ?`,
		p.TaskID).Scan(&next); err != nil {
		return fmt.Errorf("next position: %w", err)
	}
	p.Position = next

	attachments, err := marshalAttachmentRefs(p.Attachments)
	if err != nil {
		return fmt.Errorf("marshal prompt attachments: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queued_prompts (id, task_id, position, text, attachments, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.TaskID, p.Position, p.Text, attachments, p.CreatedAt,
	); err != nil {
		return fmt.Errorf("enqueue prompt: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListQueuedPrompts(ctx context.Context, taskID string) ([]*models.QueuedPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, position, text, attachments, created_at_ms
		FROM queued_prompts WHERE task_id = ? ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list queued prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*models.QueuedPrompt
	for rows.Next() {
		p := &models.QueuedPrompt{}
		var attachments string
		if err := rows.Scan(&p.ID, &p.TaskID, &p.Position, &p.Text, &attachments, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queued prompt: %w", err)
		}
		if p.Attachments, err = unmarshalAttachmentRefs(attachments); err != nil {
			return nil, fmt.Errorf("unmarshal prompt attachments: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

func (s *SQLiteStore) UpdateQueuedPromptText(ctx context.Context, taskID, promptID, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_prompts SET text = ? WHERE task_id = ? AND id = ?`,
		text, taskID, promptID)
	if err != nil {
		return fmt.Errorf("update queued prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queued prompt %s: %w", promptID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RemoveQueuedPrompt(ctx context.Context, taskID, promptID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_prompts WHERE task_id = ? AND id = ?`, taskID, promptID)
	if err != nil {
		return fmt.Errorf("remove queued prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queued prompt %s: %w", promptID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ReorderQueuedPrompt(ctx context.Context, taskID, activeID, overID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queued_prompts WHERE task_id = ? ORDER BY position`, taskID)
	if err != nil {
		return fmt.Errorf("reorder read: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("reorder scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	activeIdx, overIdx := -1, -1
	for i, id := range ids {
		if id == activeID {
			activeIdx = i
		}
		if id == overID {
			overIdx = i
		}
	}
	if activeIdx < 0 {
		return fmt.Errorf("queued prompt %s: %w", activeID, ErrNotFound)
	}
	if overIdx < 0 {
		return fmt.Errorf("queued prompt %s: %w", overID, ErrNotFound)
	}

	// List-move: remove active, then insert at over's slot.
	ids = append(ids[:activeIdx], ids[activeIdx+1:]...)
	ids = append(ids[:overIdx], append([]string{activeID}, ids[overIdx:]...)...)

	for pos, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queued_prompts SET position = ? WHERE task_id = ? AND id = ?`,
			pos, taskID, id); err != nil {
			return fmt.Errorf("reorder write: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) PopQueuedPrompt(ctx context.Context, taskID string) (*models.QueuedPrompt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer tx.Rollback()

	p := &models.QueuedPrompt{}
	var attachments string
	err = tx.QueryRowContext(ctx,
		`SELECT id, task_id, position, text, attachments, created_at_ms
		FROM queued_prompts WHERE task_id = ? ORDER BY position LIMIT 1`,
		taskID).Scan(&p.ID, &p.TaskID, &p.Position, &p.Text, &attachments, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pop queued prompt: %w", err)
	}
	if p.Attachments, err = unmarshalAttachmentRefs(attachments); err != nil {
		return nil, fmt.Errorf("unmarshal prompt attachments: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queued_prompts WHERE task_id = ? AND id = ?`, taskID, p.ID); err != nil {
		return nil, fmt.Errorf("pop delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ClearQueuedPrompts(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_prompts WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("clear queued prompts: %w", err)
	}
	return nil
}

// --- Attachments ---

func (s *SQLiteStore) CreateAttachment(ctx context.Context, ref *models.AttachmentRef, data []byte) error {
	if ref.ID == "" {
		ref.ID = newULID()
	}
	ref.Size = int64(len(data))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, workdir_id, name, mime_type, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.WorkdirID, ref.Name, ref.MimeType, ref.Size, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*models.AttachmentRef, []byte, error) {
	ref := &models.AttachmentRef{}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workdir_id, name, mime_type, size, data FROM attachments WHERE id = ?`, id,
	).Scan(&ref.ID, &ref.WorkdirID, &ref.Name, &ref.MimeType, &ref.Size, &data)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get attachment: %w", err)
	}
	return ref, data, nil
}
