// Package api is the HTTP client for the feed server. It owns the session
// token and translates wire payloads into the models package; everything
// above it is transport-agnostic.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mlowery/feedmirror/models"
)

const defaultTimeout = 30 * time.Second

// TransportError is any network or server failure, carrying the HTTP
// status and the server-supplied message when one was present.
type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// Client is a feed-server API client. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Logger
	limiter    *rate.Limiter

	mu    sync.RWMutex
	token string
	user  *models.User
}

// NewClient creates a client for the server at baseURL. maxRequestsPerMinute
// bounds outbound request rate; values <= 0 select a sane default.
func NewClient(baseURL string, maxRequestsPerMinute int, log *logrus.Logger) *Client {
	if maxRequestsPerMinute <= 0 {
		maxRequestsPerMinute = 120
	}
	perSecond := rate.Limit(float64(maxRequestsPerMinute) / 60.0)

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        log,
		limiter:    rate.NewLimiter(perSecond, 1),
	}
}

// HasSession reports whether the client holds a credential. Mutations must
// check this before dispatch and fail fast when it is false.
func (c *Client) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// CurrentUser returns the logged-in account, or nil without a session.
func (c *Client) CurrentUser() *models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

type sessionResponse struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

// Register creates an account and stores the returned session token.
func (c *Client) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	body := map[string]string{
		"username":         username,
		"email":            email,
		"password":         password,
		"password_confirm": password,
	}
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/users/register/", body, &resp); err != nil {
		return nil, err
	}
	c.setSession(resp.Token, &resp.User)
	c.log.WithField("username", resp.User.Username).Info("Registered with feed server")
	return c.CurrentUser(), nil
}

// Login authenticates and stores the returned session token.
func (c *Client) Login(ctx context.Context, username, password string) (*models.User, error) {
	body := map[string]string{"username": username, "password": password}
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/users/login/", body, &resp); err != nil {
		return nil, err
	}
	c.setSession(resp.Token, &resp.User)
	c.log.WithField("username", resp.User.Username).Info("Logged in to feed server")
	return c.CurrentUser(), nil
}

// Logout invalidates the server session and drops the local token. The
// local token is dropped even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/users/logout/", nil, nil)
	c.setSession("", nil)
	return err
}

// Profile fetches the authenticated account.
func (c *Client) Profile(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/users/profile/", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListPosts fetches the feed. The server may answer with a paginated
// envelope ({"results": [...]}) or a bare array; both are accepted.
func (c *Client) ListPosts(ctx context.Context) ([]*models.Post, error) {
	raw, err := c.doRaw(ctx, http.MethodGet, "/posts/", nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Results []*models.Post `json:"results"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Results != nil {
		return envelope.Results, nil
	}

	var posts []*models.Post
	if err := json.Unmarshal(raw, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts response: %w", err)
	}
	return posts, nil
}

// CreatePost publishes a new post and returns the created entity.
func (c *Client) CreatePost(ctx context.Context, content string) (*models.Post, error) {
	var post models.Post
	if err := c.do(ctx, http.MethodPost, "/posts/", map[string]string{"content": content}, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

// GetThreadedComments fetches the full comment tree for a post.
func (c *Client) GetThreadedComments(ctx context.Context, postID int64) ([]*models.Comment, error) {
	var resp struct {
		Comments []*models.Comment `json:"comments"`
	}
	path := fmt.Sprintf("/posts/%d/comments/threaded/", postID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

// CreateComment creates a comment under a post. parentID nil makes a root
// comment, otherwise a reply to the given comment.
func (c *Client) CreateComment(ctx context.Context, postID int64, parentID *int64, content string) (*models.Comment, error) {
	body := map[string]interface{}{"content": content}
	if parentID != nil {
		body["parent"] = *parentID
	}
	var comment models.Comment
	path := fmt.Sprintf("/posts/%d/comments/", postID)
	if err := c.do(ctx, http.MethodPost, path, body, &comment); err != nil {
		return nil, err
	}
	comment.PostID = postID
	return &comment, nil
}

// ToggleLike flips the current user's like on a post or comment and
// returns the confirmed state. Not safe to blind-retry: a retry flips the
// boolean again.
func (c *Client) ToggleLike(ctx context.Context, kind models.Kind, id int64) (models.LikeResult, error) {
	var res models.LikeResult
	path := fmt.Sprintf("/posts/like/%s/%d/", kind, id)
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return models.LikeResult{}, err
	}
	return res, nil
}

// GetLikeStatus fetches the current user's like flags for a set of posts.
// The server keys its response by stringified ids; they come back re-keyed
// as int64.
func (c *Client) GetLikeStatus(ctx context.Context, postIDs []int64) (map[int64]bool, error) {
	if len(postIDs) == 0 {
		return map[int64]bool{}, nil
	}

	params := url.Values{}
	for _, id := range postIDs {
		params.Add("post_ids", strconv.FormatInt(id, 10))
	}

	var raw map[string]bool
	path := "/posts/like-status/?" + params.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	status := make(map[int64]bool, len(raw))
	for key, liked := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			c.log.WithField("key", key).Warn("Skipping non-numeric like-status key")
			continue
		}
		status[id] = liked
	}
	return status, nil
}

// GetLeaderboard fetches the server-computed trailing-24h top-5 ranking.
func (c *Client) GetLeaderboard(ctx context.Context) (*models.Leaderboard, error) {
	var board models.Leaderboard
	if err := c.do(ctx, http.MethodGet, "/gamification/leaderboard/", nil, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

func (c *Client) setSession(token string, user *models.User) {
	c.mu.Lock()
	c.token = token
	c.user = user
	c.mu.Unlock()
}

// do executes a JSON request and decodes the response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	raw, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait aborted: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	c.log.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
	}).Debug("Dispatching API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.WithFields(logrus.Fields{
			"method":      method,
			"path":        path,
			"status_code": resp.StatusCode,
		}).Error("Feed server error response")
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    serverMessage(raw),
		}
	}

	return raw, nil
}

// serverMessage pulls the "error" field out of an error body when the
// server sent JSON, otherwise returns the raw body.
func serverMessage(raw []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	return strings.TrimSpace(string(raw))
}
