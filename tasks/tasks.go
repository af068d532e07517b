// Package tasks is a small example domain used to demonstrate and test the
// kit end to end: a single-table to-do list with its own migration chain.
package tasks

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Task is one row of the tasks table.
type Task struct {
	ID        int32
	Task      string
	Completed bool
}

// Store provides access to the tasks table through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps the given pool. The pool's database must have the tasks
// schema applied (see Migrations).
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// List returns all tasks ordered by id.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, task, completed FROM tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Task])
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return tasks, nil
}

// Insert adds a new, uncompleted task and returns it with its assigned id.
func (s *Store) Insert(ctx context.Context, text string) (Task, error) {
	var task Task
	err := s.pool.QueryRow(ctx,
		"INSERT INTO tasks (task) VALUES ($1) RETURNING id, task, completed", text).
		Scan(&task.ID, &task.Task, &task.Completed)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// Complete marks the task with the given id as completed and returns the
// number of rows affected. Completing a nonexistent task is not an error; it
// simply affects zero rows.
func (s *Store) Complete(ctx context.Context, id int32) (int64, error) {
	tag, err := s.pool.Exec(ctx, "UPDATE tasks SET completed = TRUE WHERE id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("complete task %d: %w", id, err)
	}
	return tag.RowsAffected(), nil
}
