package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sakif/feedsync/internal/model"
)

// Posts writes to the post store as the current identity. Writes never
// touch the feed engine: a new or deleted post shows up in the feed when
// the live head pushes it.
type Posts struct {
	c   *Client
	ids IdentityReader
}

// Posts returns the post mutator for ids.Current().
func (c *Client) Posts(ids IdentityReader) *Posts {
	return &Posts{c: c, ids: ids}
}

type createRequest struct {
	AuthorID          string `json:"authorId"`
	AuthorEmail       string `json:"authorEmail"`
	AuthorDisplayName string `json:"authorDisplayName"`
	AuthorPhotoRef    string `json:"authorPhotoRef"`
	Title             string `json:"title"`
	Body              string `json:"body"`
}

// Create stores a post authored by the current identity.
//
// Errors: ErrValidation for an empty title or body, ErrUnauthenticated
// without an identity, ErrTransport when the write fails.
func (p *Posts) Create(ctx context.Context, title, body string) (*model.Post, error) {
	id := p.ids.Current()
	token, err := bearerFor(id)
	if err != nil {
		return nil, err
	}

	in := createRequest{
		AuthorID:          id.UID,
		AuthorEmail:       id.Email,
		AuthorDisplayName: id.DisplayName,
		AuthorPhotoRef:    id.PhotoURL,
		Title:             title,
		Body:              body,
	}
	var post model.Post
	if err := p.c.do(ctx, http.MethodPost, "/api/posts", token, in, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

// Remove deletes one of the current identity's posts.
func (p *Posts) Remove(ctx context.Context, postID string) error {
	token, err := bearerFor(p.ids.Current())
	if err != nil {
		return err
	}
	return p.c.do(ctx, http.MethodDelete, "/api/posts/"+url.PathEscape(postID), token, nil, nil)
}

// ByAuthor lists an author's posts, newest first.
func (p *Posts) ByAuthor(ctx context.Context, authorID string, limit, offset int) ([]model.Post, error) {
	token, err := bearerFor(p.ids.Current())
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("author", authorID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var posts []model.Post
	if err := p.c.do(ctx, http.MethodGet, "/api/posts?"+q.Encode(), token, nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}
