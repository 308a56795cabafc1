package interfaces

import (
	"context"

	"classlink/pkg/types"
)

// HomeworkStore is the persistence collaborator message handlers use.
// The protocol core never calls it directly.
type HomeworkStore interface {
	// AddHomework stores an assignment. With overwrite set, an existing
	// assignment for the same class and subject is updated in place.
	AddHomework(ctx context.Context, homework *types.Homework, overwrite bool) (*types.Homework, error)

	// GetHomeworks lists assignments, newest first. Empty filters match
	// everything.
	GetHomeworks(ctx context.Context, class, subject string) ([]*types.Homework, error)

	DeleteHomework(ctx context.Context, id int64) (bool, error)

	AddNote(ctx context.Context, note *types.Note) (*types.Note, error)
	GetNotes(ctx context.Context, class string) ([]*types.Note, error)
	DeleteNote(ctx context.Context, id int64) (bool, error)

	AddClass(ctx context.Context, name string) error
	GetClasses(ctx context.Context) ([]string, error)
	GetSubjects(ctx context.Context) ([]string, error)

	Statistics(ctx context.Context) (*types.Statistics, error)

	// HealthCheck verifies the backing database is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}
