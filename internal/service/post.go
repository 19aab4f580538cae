// Package service contains the business rules that sit between the HTTP
// handlers and the repositories:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (business layer) → validates, enforces ownership, orchestrates
//	Repository (data layer)  → reads/writes the store
//
// Services take primitives and domain types, never *http.Request, and
// return apperror kinds that the handler maps to status codes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/metrics"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

const (
	MaxTitleLength   = 200
	MaxBodyLength    = 10000
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Notifier is told after every successful write so live queries re-run.
type Notifier interface {
	Notify()
}

// PostService creates and removes posts on behalf of an authenticated
// caller, and answers the paged read queries.
//
// Writes never touch any client's feed window directly. A create or delete
// becomes visible when the live head query re-fires; a delete of a post
// that only lives in a client's paged tail stays visible there until that
// client resets.
type PostService struct {
	repo    repository.PostRepository
	notify  Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPostService wires a PostService. notify and m may be nil.
func NewPostService(repo repository.PostRepository, notify Notifier, m *metrics.Metrics, logger *slog.Logger) *PostService {
	return &PostService{
		repo:    repo,
		notify:  notify,
		metrics: m,
		logger:  logger,
	}
}

// NewPost is the input of Create. Author fields left empty are filled from
// the caller.
type NewPost struct {
	AuthorID          string `json:"authorId"`
	AuthorEmail       string `json:"authorEmail"`
	AuthorDisplayName string `json:"authorDisplayName"`
	AuthorPhotoRef    string `json:"authorPhotoRef"`
	Title             string `json:"title"`
	Body              string `json:"body"`
}

// Validate checks title and body. Keys are the json field names.
func (in NewPost) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, MaxTitleLength)),
		validation.Field(&in.Body, validation.Required, validation.Length(1, MaxBodyLength)),
	)
}

// Create validates and stores a post written by caller.
//
// Errors: ErrUnauthenticated without a caller, ErrValidation for an empty
// or oversized title or body, ErrForbidden when authorId names someone
// else, ErrTransport when the store write fails.
func (s *PostService) Create(ctx context.Context, caller *model.Principal, in NewPost) (*model.Post, error) {
	if caller == nil {
		return nil, apperror.Unauthenticated("sign in to post", nil)
	}

	in.Title = strings.TrimSpace(in.Title)
	in.Body = strings.TrimSpace(in.Body)
	if err := in.Validate(); err != nil {
		return nil, validationError(err)
	}

	if in.AuthorID == "" {
		in.AuthorID = caller.UID
	}
	if in.AuthorID != caller.UID {
		return nil, apperror.Forbidden("posts can only be created as yourself")
	}
	if in.AuthorEmail == "" {
		in.AuthorEmail = caller.Email
	}
	if in.AuthorDisplayName == "" {
		in.AuthorDisplayName = caller.DisplayName
	}
	if in.AuthorPhotoRef == "" {
		in.AuthorPhotoRef = caller.PhotoURL
	}

	post := &model.Post{
		AuthorID:          in.AuthorID,
		AuthorEmail:       in.AuthorEmail,
		AuthorDisplayName: in.AuthorDisplayName,
		AuthorPhotoRef:    in.AuthorPhotoRef,
		Title:             in.Title,
		Body:              in.Body,
	}

	err := s.repo.Create(ctx, post)
	s.metrics.PostWrite("create", err)
	if err != nil {
		s.logger.Error("failed to create post",
			slog.String("author", caller.UID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.Transport("post write", err)
	}

	s.logger.Info("post created", slog.String("id", post.ID), slog.String("author", post.AuthorID))
	s.changed()
	return post, nil
}

// Remove deletes a post. Only its author may delete it.
//
// Errors: ErrNotFound, ErrForbidden, ErrTransport.
func (s *PostService) Remove(ctx context.Context, caller *model.Principal, id string) error {
	if caller == nil {
		return apperror.Unauthenticated("sign in to delete posts", nil)
	}

	post, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		return apperror.Transport("post write", err)
	}
	if post.AuthorID != caller.UID {
		return apperror.Forbidden("only the author can delete a post")
	}

	err = s.repo.Delete(ctx, id)
	s.metrics.PostWrite("delete", err)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		s.logger.Error("failed to delete post", slog.String("id", id), slog.String("error", err.Error()))
		return apperror.Transport("post write", err)
	}

	s.logger.Info("post deleted", slog.String("id", id))
	s.changed()
	return nil
}

// Latest returns the newest limit posts.
func (s *PostService) Latest(ctx context.Context, limit int) ([]model.Post, error) {
	posts, err := s.repo.Latest(ctx, clampLimit(limit))
	if err != nil {
		return nil, apperror.Transport("post query", err)
	}
	return posts, nil
}

// PageAfter returns up to limit posts strictly after cursor.
func (s *PostService) PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error) {
	posts, err := s.repo.PageAfter(ctx, cursor, clampLimit(limit))
	if err != nil {
		return nil, apperror.Transport("post query", err)
	}
	return posts, nil
}

// CursorFor resolves a post id into a cursor.
func (s *PostService) CursorFor(ctx context.Context, id string) (model.Cursor, error) {
	post, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return model.Cursor{}, err
		}
		return model.Cursor{}, apperror.Transport("post query", err)
	}
	c, ok := model.CursorOf(*post)
	if !ok {
		return model.Cursor{}, apperror.ValidationFailed("afterId", fmt.Sprintf("post %s has no timestamp yet", id))
	}
	return c, nil
}

// ListByAuthor returns one author's posts, newest first.
func (s *PostService) ListByAuthor(ctx context.Context, authorID string, limit, offset int) ([]model.Post, error) {
	if authorID == "" {
		return nil, apperror.ValidationFailed("author", "author is required")
	}
	if offset < 0 {
		offset = 0
	}
	posts, err := s.repo.ListByAuthor(ctx, authorID, repository.ListOptions{Limit: clampLimit(limit), Offset: offset})
	if err != nil {
		return nil, apperror.Transport("post query", err)
	}
	return posts, nil
}

func (s *PostService) changed() {
	if s.notify != nil {
		s.notify.Notify()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// validationError reports the first failing field, title before body.
func validationError(err error) error {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return apperror.ValidationFailed("", err.Error())
	}
	for _, field := range []string{"title", "body"} {
		if e, ok := verrs[field]; ok {
			return apperror.ValidationFailed(field, field+": "+e.Error())
		}
	}
	return apperror.ValidationFailed("", verrs.Error())
}
