// Package middleware carries the server's HTTP cross-cutting concerns.
// The control plane authenticates agents with a single shared secret
// header rather than a per-tenant JWT scheme, since it is not multi-tenant.
package middleware

import "net/http"

// AgentTokenHeader is the header an agent presents its shared secret in.
const AgentTokenHeader = "X-Agent-Token"

// RequireAgentToken enforces the shared-secret header on agent-facing
// routes (check-in, task-active probe). Missing device_id is validated by
// the handler itself; this middleware only checks the token.
func RequireAgentToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(AgentTokenHeader)
			if token == "" || token != secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
