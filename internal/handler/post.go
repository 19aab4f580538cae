package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/service"
)

// PostHandler serves the post store: feed pages, per-author lists, create
// and delete. Every route sits behind RequireAuth.
type PostHandler struct {
	posts  *service.PostService
	logger *slog.Logger
}

func NewPostHandler(posts *service.PostService, logger *slog.Logger) *PostHandler {
	return &PostHandler{posts: posts, logger: logger}
}

// HandleList returns one page of posts, newest first.
//
// HTTP: GET /api/posts?limit=10[&afterId=...[&afterCreatedAt=...]][&author=uid[&offset=n]]
//
// Without afterId it returns the newest posts. With afterId it returns the
// posts strictly after that one. afterCreatedAt (RFC 3339) pins the cursor
// position directly, so paging keeps working after the cursor post has been
// deleted; without it the post is looked up.
//
// author switches to that author's posts with offset paging.
func (h *PostHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	if author := q.Get("author"); author != "" {
		offset, err := intParam(q.Get("offset"), "offset")
		if err != nil {
			writeError(w, err)
			return
		}
		posts, err := h.posts.ListByAuthor(r.Context(), author, limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(posts))
		return
	}

	afterID := q.Get("afterId")
	if afterID == "" {
		posts, err := h.posts.Latest(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(posts))
		return
	}

	var cursor model.Cursor
	if at := q.Get("afterCreatedAt"); at != "" {
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			writeError(w, apperror.ValidationFailed("afterCreatedAt", "afterCreatedAt must be an RFC 3339 timestamp"))
			return
		}
		cursor = model.Cursor{ID: afterID, CreatedAt: ts}
	} else {
		cursor, err = h.posts.CursorFor(r.Context(), afterID)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	posts, err := h.posts.PageAfter(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(posts))
}

// HandleCreate stores a post written by the session principal.
//
// HTTP: POST /api/posts
// REQUEST BODY: {"title": "...", "body": "..."} (author fields optional)
//
// The response is the committed post. It shows up in the feed once the
// live head query re-fires, not because of this response.
func (h *PostHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFromContext(r.Context())

	var in service.NewPost
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	post, err := h.posts.Create(r.Context(), caller, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// HandleDelete removes a post. Only its author may.
//
// HTTP: DELETE /api/posts/{id}
func (h *PostHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFromContext(r.Context())

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, apperror.ValidationFailed("id", "post id is required"))
		return
	}

	if err := h.posts.Remove(r.Context(), caller, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// intParam parses an optional non-negative integer query parameter. Empty
// means 0, which the service reads as "use the default".
func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, name+" must be a non-negative integer")
	}
	return n, nil
}

// nonNil makes an empty result encode as [] rather than null.
func nonNil(posts []model.Post) []model.Post {
	if posts == nil {
		return []model.Post{}
	}
	return posts
}
