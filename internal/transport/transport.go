// Package transport defines the article transport collaborators newsvault
// retrieves from and publishes to: the Client interface, an NNTP wire
// client implementing it, a registry of named upstream servers, and a
// retry decorator for transient faults.
package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Errors
var (
	// ErrArticleNotFound means the server answered but has no such article.
	// It is a terminal answer for that server, never retried.
	ErrArticleNotFound = errors.New("transport: article not found")
	// ErrSearchUnsupported means the server does not implement the
	// targeted header search command; callers fall back to a bounded
	// header scan.
	ErrSearchUnsupported = errors.New("transport: header search unsupported")
	// ErrServerUnavailable marks transient connectivity faults (timeout,
	// connection reset, temporarily overloaded server).
	ErrServerUnavailable = errors.New("transport: server unavailable")
	// ErrPostRejected means the server refused a posted article.
	ErrPostRejected = errors.New("transport: post rejected")
	// ErrNoServers means no server is registered for an operation.
	ErrNoServers = errors.New("transport: no servers registered")
)

// PostResult reports a successful post.
type PostResult struct {
	MessageID string
	Server    string
}

// HeaderRange is a newsgroup's current low/high article-number watermark.
type HeaderRange struct {
	Low  int64
	High int64
}

// Header is one article's subject header, as returned by a header scan.
type Header struct {
	ArticleNumber int64
	MessageID     string
	Subject       string
}

// Client is the article-level interface an upstream server must expose.
type Client interface {
	// Name returns the server's configured name (e.g. "news.example.org").
	Name() string

	// RetrieveArticle fetches an article body by message id. Returns
	// ErrArticleNotFound when the server has no such article.
	RetrieveArticle(ctx context.Context, messageID, newsgroup string) ([]byte, error)

	// PostData posts an article and returns the server-assigned message
	// id. extraHeaders are appended verbatim to the article head.
	PostData(ctx context.Context, subject string, data []byte, newsgroup string, extraHeaders map[string]string) (*PostResult, error)

	// SearchSubject runs the server-side targeted header search (XPAT
	// class) and returns matching message ids. Returns
	// ErrSearchUnsupported when the server lacks the command.
	SearchSubject(ctx context.Context, newsgroup, pattern string) ([]string, error)

	// GroupRange returns the newsgroup's article-number watermark, used
	// to bound header-scan fallbacks.
	GroupRange(ctx context.Context, newsgroup string) (*HeaderRange, error)

	// FetchHeaders returns subject headers for an article-number range
	// (XHDR class).
	FetchHeaders(ctx context.Context, newsgroup string, low, high int64) ([]Header, error)
}

// Registry manages the configured upstream servers by name.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty server registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a server client to the registry.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get returns a client by server name.
func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// List returns all registered server names in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsTransient reports whether an error is worth retrying at the transport
// layer. Not-found and rejection answers are terminal.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServerUnavailable)
}
