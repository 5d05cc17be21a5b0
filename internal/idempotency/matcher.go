package idempotency

import (
	"bytes"
	"net/http"
	"strings"

	"storefront/internal/models"
)

// HeaderKey is the request header carrying the idempotency key.
const HeaderKey = "Idempotency-Key"

// Matcher decides which requests are subject to idempotency handling.
type Matcher struct {
	endpoints   map[string]struct{}
	graphqlPath string
	mutations   [][]byte
	maxBody     int64
}

// DefaultMaxBodyBytes caps candidate bodies when the config leaves the
// limit unset.
const DefaultMaxBodyBytes = 1 << 20

// NewMatcher builds a matcher from the configured endpoint allow-list and
// GraphQL mutation names.
func NewMatcher(cfg models.IdempotencyConfig) *Matcher {
	m := &Matcher{
		endpoints:   make(map[string]struct{}, len(cfg.Endpoints)),
		graphqlPath: normalizePath(cfg.GraphQLPath),
		maxBody:     int64(cfg.MaxBodyBytes),
	}
	if m.maxBody <= 0 {
		m.maxBody = DefaultMaxBodyBytes
	}
	for _, e := range cfg.Endpoints {
		m.endpoints[normalizePath(e)] = struct{}{}
	}
	for _, name := range cfg.GraphQLMutations {
		if name != "" {
			m.mutations = append(m.mutations, []byte(name))
		}
	}
	return m
}

// Candidate reports whether r could be idempotent based on method, key and
// path alone. It lets the middleware skip reading bodies it does not need.
func (m *Matcher) Candidate(r *http.Request) bool {
	if r.Method != http.MethodPost || strings.TrimSpace(r.Header.Get(HeaderKey)) == "" {
		return false
	}
	path := normalizePath(r.URL.Path)
	if _, ok := m.endpoints[path]; ok {
		return true
	}
	return m.graphqlPath != "" && path == m.graphqlPath
}

// Applies reports whether a candidate request with the given body is handled.
// Allow-listed endpoints always are; GraphQL requests only when the body
// names one of the configured mutations.
func (m *Matcher) Applies(r *http.Request, body []byte) bool {
	if !m.Candidate(r) {
		return false
	}
	path := normalizePath(r.URL.Path)
	if _, ok := m.endpoints[path]; ok {
		return true
	}
	for _, mutation := range m.mutations {
		if bytes.Contains(body, mutation) {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
