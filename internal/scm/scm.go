// Package scm holds the source-hosting collaborator interfaces and their
// GitHub implementations. The pipeline consumes the interfaces only.
package scm

import (
	"context"

	"sketchline/internal/domain"
)

// Comment is an existing provider comment found by marker.
type Comment struct {
	ID   int64
	Body string
}

// ChangeReader lists the changed files of a pull request, patch text included
// where the provider can diff the file.
type ChangeReader interface {
	ListChangedFiles(ctx context.Context, repo string, number int) ([]domain.ChangedFile, error)
}

// CommentPublisher finds and upserts the single threaded comment per subject.
type CommentPublisher interface {
	// FindExisting returns the first comment containing marker, or nil.
	FindExisting(ctx context.Context, repo string, number int, marker string) (*Comment, error)
	// Upsert updates the comment with existingID, or creates one when existingID is zero.
	Upsert(ctx context.Context, repo string, number int, existingID int64, body string) error
}
