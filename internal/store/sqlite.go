package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/models"

	_ "modernc.org/sqlite"
)

// ErrTaskNotFound is returned when updating a task id that does not exist.
var ErrTaskNotFound = errors.New("task not found")

// timeLayout is fixed width so stored timestamps order lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// SQLite allows a single writer; an in-memory database also only exists
	// on the connection that created it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.Component(logger, "store"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Samples ---

// AddSample stores sample, returning the id of an existing row with the same SHA256.
func (s *SQLiteStore) AddSample(ctx context.Context, sample *models.Sample) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "samples", "sha256", sample.SHA256)

	if strings.TrimSpace(sample.SHA256) == "" {
		return 0, errors.New("sample sha256 is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (sha256, md5, file_size, file_type, file_name)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(sha256) DO NOTHING`,
		sample.SHA256, sample.MD5, sample.FileSize, sample.FileType, sample.FileName,
	)
	if err != nil {
		return 0, fmt.Errorf("insert sample: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM samples WHERE sha256 = ?`, sample.SHA256).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup sample: %w", err)
	}
	sample.ID = id
	return id, nil
}

func (s *SQLiteStore) ViewSample(ctx context.Context, id int64) (*models.Sample, error) {
	s.logger.Debug("sql", "op", "select", "table", "samples", "id", id)

	var sample models.Sample
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sha256, md5, file_size, file_type, file_name FROM samples WHERE id = ?`, id,
	).Scan(&sample.ID, &sample.SHA256, &sample.MD5, &sample.FileSize, &sample.FileType, &sample.FileName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// --- Tasks ---

// AddTask inserts task as pending and returns its id.
func (s *SQLiteStore) AddTask(ctx context.Context, task *models.Task) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "target", task.Target)

	if strings.TrimSpace(string(task.Category)) == "" {
		return 0, errors.New("task category is required")
	}
	if task.AddedOn.IsZero() {
		task.AddedOn = s.now()
	}
	if task.StartOn.IsZero() {
		task.StartOn = task.AddedOn
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	options := task.Options
	if options == nil {
		options = map[string]string{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return 0, fmt.Errorf("marshal options: %w", err)
	}

	var sampleID any
	if task.SampleID > 0 {
		sampleID = task.SampleID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (category, target, machine, platform, status, priority, timeout, options, route, sample_id, added_on, start_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(task.Category), task.Target, task.Machine, task.Platform, string(task.Status),
		task.Priority, int64(task.Timeout/time.Second), string(optionsJSON), task.Route, sampleID,
		formatTime(task.AddedOn), formatTime(task.StartOn),
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, tag := range normalizeTags(task.Tags) {
		tagID, err := ensureTag(ctx, tx, tag)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tasks_tags (task_id, tag_id) VALUES (?, ?)`, id, tagID); err != nil {
			return 0, fmt.Errorf("tag task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	task.ID = id
	return id, nil
}

const taskColumns = `id, category, target, machine, platform, status, priority, timeout, options, route,
	sample_id, added_on, start_on, started_on, completed_on`

func (s *SQLiteStore) ViewTask(ctx context.Context, id int64) (*models.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)

	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Tags, err = taskTags(ctx, s.db, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, opts ListOptions) ([]models.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "status", opts.Status)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Tags are loaded once the result set is released; the pool has a
	// single connection.
	for i := range tasks {
		if tasks[i].Tags, err = taskTags(ctx, s.db, tasks[i].ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// Fetch returns the next pending task whose start time has passed, ordered
// by priority then submission time, or nil when there is none.
func (s *SQLiteStore) Fetch(ctx context.Context, opts FetchOptions) (*models.Task, error) {
	s.logger.Debug("sql", "op", "fetch", "table", "tasks", "machine", opts.Machine, "exclude", len(opts.Exclude))

	query := `SELECT id FROM tasks WHERE status = ? AND start_on <= ?`
	args := []any{string(models.TaskPending), formatTime(s.now())}

	if opts.Machine != "" {
		query += ` AND machine = ?`
		args = append(args, opts.Machine)
	}
	if opts.Service != nil {
		op := "NOT IN"
		if *opts.Service {
			op = "IN"
		}
		query += ` AND id ` + op + ` (SELECT tt.task_id FROM tasks_tags tt JOIN tags t ON t.id = tt.tag_id WHERE t.name = ?)`
		args = append(args, models.ServiceTag)
	}
	if len(opts.Exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(opts.Exclude)) + `)`
		for _, id := range opts.Exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY priority DESC, added_on ASC, id ASC LIMIT 1`

	var id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}

	if opts.Lock {
		if err := s.SetStatus(ctx, id, models.TaskRunning); err != nil {
			return nil, err
		}
	}
	return s.ViewTask(ctx, id)
}

// SetStatus updates a task status, stamping started_on and completed_on on
// the running and completed transitions.
func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, status models.TaskStatus) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "status", status)

	if !status.Valid() {
		return fmt.Errorf("unknown task status %q", status)
	}
	now := formatTime(s.now())

	var (
		res sql.Result
		err error
	)
	switch status {
	case models.TaskRunning:
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, started_on = ? WHERE id = ?`, string(status), now, id)
	case models.TaskCompleted:
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_on = ? WHERE id = ?`, string(status), now, id)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update task %d status: %w", id, err)
	}
	return expectAffected(res, fmt.Errorf("task %d: %w", id, ErrTaskNotFound))
}

func (s *SQLiteStore) SetRoute(ctx context.Context, id int64, route string) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "route", route)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET route = ? WHERE id = ?`, route, id)
	if err != nil {
		return fmt.Errorf("update task %d route: %w", id, err)
	}
	return expectAffected(res, fmt.Errorf("task %d: %w", id, ErrTaskNotFound))
}

// CountTasks counts tasks with status, or all tasks when status is empty.
func (s *SQLiteStore) CountTasks(ctx context.Context, status models.TaskStatus) (int, error) {
	query := `SELECT COUNT(*) FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// --- Machines ---

// CleanMachines removes the whole machine inventory.
func (s *SQLiteStore) CleanMachines(ctx context.Context) error {
	s.logger.Debug("sql", "op", "delete", "table", "machines")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM machines_tags`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM machines`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddMachine(ctx context.Context, machine models.Machine) error {
	s.logger.Debug("sql", "op", "insert", "table", "machines", "name", machine.Name)

	if strings.TrimSpace(machine.Name) == "" {
		return errors.New("machine name is required")
	}
	if machine.Label == "" {
		machine.Label = machine.Name
	}
	options := machine.Options
	if options == nil {
		options = []string{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("marshal machine options: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO machines (name, label, ip, platform, arch, interface, snapshot, options, locked, locked_changed_on, status, status_changed_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		machine.Name, machine.Label, machine.IP, machine.Platform, machine.Arch, machine.Interface,
		machine.Snapshot, string(optionsJSON), boolToInt(machine.Locked),
		formatTime(machine.LockedChangedOn), string(machine.Status), formatTime(machine.StatusChangedOn),
	)
	if err != nil {
		return fmt.Errorf("insert machine %s: %w", machine.Name, err)
	}
	for _, tag := range normalizeTags(machine.Tags) {
		tagID, err := ensureTag(ctx, tx, tag)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO machines_tags (machine_name, tag_id) VALUES (?, ?)`, machine.Name, tagID); err != nil {
			return fmt.Errorf("tag machine: %w", err)
		}
	}
	return tx.Commit()
}

const machineColumns = `name, label, ip, platform, arch, interface, snapshot, options, locked,
	locked_changed_on, status, status_changed_on`

// ViewMachine looks a machine up by label or name.
func (s *SQLiteStore) ViewMachine(ctx context.Context, label string) (*models.Machine, error) {
	machine, err := scanMachine(s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE label = ? OR name = ? LIMIT 1`, label, label))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if machine.Tags, err = machineTags(ctx, s.db, machine.Name); err != nil {
		return nil, err
	}
	return machine, nil
}

func (s *SQLiteStore) ListMachines(ctx context.Context) ([]models.Machine, error) {
	return s.listMachines(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY name`)
}

// GetAvailableMachines lists machines that are not locked.
func (s *SQLiteStore) GetAvailableMachines(ctx context.Context) ([]models.Machine, error) {
	return s.listMachines(ctx, `SELECT `+machineColumns+` FROM machines WHERE locked = 0 ORDER BY name`)
}

func (s *SQLiteStore) CountMachinesAvailable(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines WHERE locked = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count machines: %w", err)
	}
	return count, nil
}

// LockMachine picks an unlocked machine matching opts and marks it locked.
// It returns ErrNoMatchingMachine when no machine matches at all, and nil
// without error when every matching machine is already locked. Without a
// label, service machines are only considered when the service tag is
// requested explicitly.
func (s *SQLiteStore) LockMachine(ctx context.Context, opts LockOptions) (*models.Machine, error) {
	s.logger.Debug("sql", "op", "lock", "table", "machines", "label", opts.Label, "platform", opts.Platform, "tags", opts.Tags)

	if opts.Label != "" && (opts.Platform != "" || len(opts.Tags) > 0) {
		return nil, ErrInvalidLockCriteria
	}

	var (
		where []string
		args  []any
	)
	if opts.Label != "" {
		where = append(where, `(name = ? OR label = ?)`)
		args = append(args, opts.Label, opts.Label)
	}
	if opts.Platform != "" {
		where = append(where, `platform = ?`)
		args = append(args, opts.Platform)
	}
	tags := normalizeTags(opts.Tags)
	for _, tag := range tags {
		where = append(where, `EXISTS (SELECT 1 FROM machines_tags mt JOIN tags t ON t.id = mt.tag_id WHERE mt.machine_name = machines.name AND t.name = ?)`)
		args = append(args, tag)
	}
	if opts.Label == "" && !containsTag(tags, models.ServiceTag) {
		where = append(where, `NOT EXISTS (SELECT 1 FROM machines_tags mt JOIN tags t ON t.id = mt.tag_id WHERE mt.machine_name = machines.name AND t.name = ?)`)
		args = append(args, models.ServiceTag)
	}
	clause := ""
	if len(where) > 0 {
		clause = ` WHERE ` + strings.Join(where, ` AND `)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count matching machines: %w", err)
	}
	if total == 0 {
		return nil, ErrNoMatchingMachine
	}

	freeClause := ` WHERE locked = 0`
	if clause != "" {
		freeClause = clause + ` AND locked = 0`
	}
	var name string
	err = tx.QueryRowContext(ctx,
		`SELECT name FROM machines`+freeClause+` ORDER BY locked_changed_on ASC, name ASC LIMIT 1`, args...,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select machine: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE machines SET locked = 1, locked_changed_on = ? WHERE name = ?`, formatTime(s.now()), name,
	); err != nil {
		return nil, fmt.Errorf("lock machine %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.ViewMachine(ctx, name)
}

func (s *SQLiteStore) UnlockMachine(ctx context.Context, label string) (*models.Machine, error) {
	s.logger.Debug("sql", "op", "unlock", "table", "machines", "label", label)

	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET locked = 0, locked_changed_on = ? WHERE label = ? OR name = ?`,
		formatTime(s.now()), label, label,
	)
	if err != nil {
		return nil, fmt.Errorf("unlock machine %s: %w", label, err)
	}
	if err := expectAffected(res, fmt.Errorf("%s: %w", label, ErrMachineNotFound)); err != nil {
		return nil, err
	}
	return s.ViewMachine(ctx, label)
}

func (s *SQLiteStore) SetMachineStatus(ctx context.Context, label string, status models.MachineStatus) error {
	s.logger.Debug("sql", "op", "update", "table", "machines", "label", label, "status", status)

	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET status = ?, status_changed_on = ? WHERE label = ? OR name = ?`,
		string(status), formatTime(s.now()), label, label,
	)
	if err != nil {
		return fmt.Errorf("update machine %s status: %w", label, err)
	}
	return expectAffected(res, fmt.Errorf("%s: %w", label, ErrMachineNotFound))
}

func (s *SQLiteStore) listMachines(ctx context.Context, query string, args ...any) ([]models.Machine, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var machines []models.Machine
	for rows.Next() {
		machine, err := scanMachine(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		machines = append(machines, *machine)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range machines {
		if machines[i].Tags, err = machineTags(ctx, s.db, machines[i].Name); err != nil {
			return nil, err
		}
	}
	return machines, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task                   models.Task
		category, status       string
		timeoutSeconds         int64
		optionsJSON            string
		sampleID               sql.NullInt64
		addedOn, startOn       string
		startedOn, completedOn sql.NullString
	)
	err := row.Scan(&task.ID, &category, &task.Target, &task.Machine, &task.Platform, &status,
		&task.Priority, &timeoutSeconds, &optionsJSON, &task.Route, &sampleID,
		&addedOn, &startOn, &startedOn, &completedOn)
	if err != nil {
		return nil, err
	}
	task.Category = models.Category(category)
	task.Status = models.TaskStatus(status)
	task.Timeout = time.Duration(timeoutSeconds) * time.Second
	if sampleID.Valid {
		task.SampleID = sampleID.Int64
	}
	if err := json.Unmarshal([]byte(optionsJSON), &task.Options); err != nil {
		return nil, fmt.Errorf("unmarshal task options: %w", err)
	}
	task.AddedOn = parseTime(addedOn)
	task.StartOn = parseTime(startOn)
	task.StartedOn = parseTime(startedOn.String)
	task.CompletedOn = parseTime(completedOn.String)
	return &task, nil
}

func scanMachine(row rowScanner) (*models.Machine, error) {
	var (
		machine                          models.Machine
		optionsJSON, status              string
		locked                           int
		lockedChangedOn, statusChangedOn string
	)
	err := row.Scan(&machine.Name, &machine.Label, &machine.IP, &machine.Platform, &machine.Arch,
		&machine.Interface, &machine.Snapshot, &optionsJSON, &locked,
		&lockedChangedOn, &status, &statusChangedOn)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(optionsJSON), &machine.Options); err != nil {
		return nil, fmt.Errorf("unmarshal machine options: %w", err)
	}
	machine.Locked = locked != 0
	machine.Status = models.MachineStatus(status)
	machine.LockedChangedOn = parseTime(lockedChangedOn)
	machine.StatusChangedOn = parseTime(statusChangedOn)
	return &machine, nil
}

func taskTags(ctx context.Context, q querier, taskID int64) ([]string, error) {
	return queryStrings(ctx, q,
		`SELECT t.name FROM tags t JOIN tasks_tags tt ON tt.tag_id = t.id WHERE tt.task_id = ? ORDER BY t.name`, taskID)
}

func machineTags(ctx context.Context, q querier, name string) ([]string, error) {
	return queryStrings(ctx, q,
		`SELECT t.name FROM tags t JOIN machines_tags mt ON mt.tag_id = t.id WHERE mt.machine_name = ? ORDER BY t.name`, name)
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func ensureTag(ctx context.Context, q querier, name string) (int64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("insert tag %s: %w", name, err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup tag %s: %w", name, err)
	}
	return id, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func containsTag(tags []string, tag string) bool {
	for _, candidate := range tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func expectAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
