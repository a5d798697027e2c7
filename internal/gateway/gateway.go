// Package gateway is the Run Orchestrator: it bridges the HTTP Run API
// (REST + SSE) to per-run Agent Connections and Run Manager state.
package gateway

import (
	"context"

	"github.com/mrorigo/acp2-gateway/internal/registry"
	"github.com/mrorigo/acp2-gateway/internal/runmanager"
	"github.com/mrorigo/acp2-gateway/internal/store"
)

// ConnectionFactory spawns and starts the Agent Connection for one run (the
// real implementation wraps agentconn.New + Connection.Start). Tests supply
// a fake satisfying runmanager.AgentConnection instead of a real subprocess.
type ConnectionFactory func(ctx context.Context, agent registry.AgentConfig) (runmanager.AgentConnection, error)

// Deps are the Gateway's collaborators, assembled once at startup.
type Deps struct {
	Registry       *registry.Registry
	Manager        *runmanager.Manager
	Sessions       *store.SessionStore // nil disables session_id handling
	ConnFactory    ConnectionFactory
	AuthToken      string
	WorkspaceRoot  string
	GinMode        string
	TrustedProxies string
}

// Gateway holds everything a request handler needs.
type Gateway struct {
	deps Deps
}

// newGateway constructs the handler set. Unexported: callers use NewServer.
func newGateway(deps Deps) *Gateway {
	return &Gateway{deps: deps}
}

func (g *Gateway) cwd() string {
	if g.deps.WorkspaceRoot == "" {
		return "."
	}
	return g.deps.WorkspaceRoot
}

// sessionContext is threaded through one run's lifecycle when the request
// carries a session_id: the stored mapping plus the client-supplied id.
type sessionContext struct {
	clientID string
	session  *store.ACPSession
}

func (g *Gateway) resolveSessionContext(ctx context.Context, sessionID, agentName string) (*sessionContext, error) {
	if sessionID == "" || g.deps.Sessions == nil {
		return nil, nil
	}
	session, err := g.deps.Sessions.GetOrCreate(ctx, sessionID, agentName, g.cwd())
	if err != nil {
		return nil, err
	}
	return &sessionContext{clientID: sessionID, session: session}, nil
}
