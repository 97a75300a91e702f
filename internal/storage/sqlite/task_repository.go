package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/podcast_downloader/internal/storage"
)

// TaskRepository persists the background engine's transfer tasks.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{db: dbConn}
}

// ListTasks returns every task the engine has recorded.
func (r *TaskRepository) ListTasks(ctx context.Context) ([]storage.TransferTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_id, url, destination, total_bytes, bytes_written, state, error_message, updated_at
		FROM transfer_tasks
		ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []storage.TransferTask

	for rows.Next() {
		var t storage.TransferTask
		if err := rows.Scan(&t.TaskID, &t.URL, &t.Destination, &t.TotalBytes, &t.BytesWritten, &t.State, &t.ErrorMessage, &t.UpdatedAt); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// SaveTask upserts a task.
func (r *TaskRepository) SaveTask(ctx context.Context, t storage.TransferTask) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfer_tasks (task_id, url, destination, total_bytes, bytes_written, state, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			url = excluded.url,
			destination = excluded.destination,
			total_bytes = excluded.total_bytes,
			bytes_written = excluded.bytes_written,
			state = excluded.state,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		t.TaskID, t.URL, t.Destination, t.TotalBytes, t.BytesWritten, t.State, t.ErrorMessage, t.UpdatedAt,
	)

	return err
}

// DeleteTask forgets a task. Deleting a missing task is not an error.
func (r *TaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM transfer_tasks WHERE task_id = ?`, taskID)

	return err
}
