// ABOUTME: Method router mapping RPC method names to their handlers
// ABOUTME: Unary methods answer once; streaming methods (agent) may respond more than once

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/2389/agentrun-gateway/internal/agent"
	"github.com/2389/agentrun-gateway/internal/auth"
	"github.com/2389/agentrun-gateway/internal/protocol"
)

// ErrNoRoute means no handler is registered for the method.
var ErrNoRoute = errors.New("no route for method")

// MethodFunc handles one request and answers through respond.
type MethodFunc func(ctx context.Context, req *protocol.RequestFrame, respond agent.Responder)

// UnaryFunc handles a request that produces exactly one answer.
type UnaryFunc func(ctx context.Context, params json.RawMessage) (any, *protocol.ErrorShape)

// Router routes requests to method handlers.
type Router struct {
	methods      map[string]MethodFunc
	operatorOnly map[string]bool
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		methods:      make(map[string]MethodFunc),
		operatorOnly: make(map[string]bool),
	}
}

// Handle registers fn for method.
func (r *Router) Handle(method string, fn MethodFunc) {
	r.methods[method] = fn
}

// HandleUnary registers a single-answer handler for method.
func (r *Router) HandleUnary(method string, fn UnaryFunc) {
	r.Handle(method, func(ctx context.Context, req *protocol.RequestFrame, respond agent.Responder) {
		payload, shape := fn(ctx, req.Params)
		if shape != nil {
			respond(protocol.NewErrorResponse(req.ID, shape))
			return
		}
		res, err := protocol.NewResponse(req.ID, payload)
		if err != nil {
			respond(protocol.NewErrorResponse(req.ID, protocol.AsErrorShape(err)))
			return
		}
		respond(res)
	})
}

// RequireOperator restricts method to operator connections.
func (r *Router) RequireOperator(method string) {
	r.operatorOnly[method] = true
}

// Route resolves a method to its handler.
// Returns ErrNoRoute if nothing is registered for it.
func (r *Router) Route(method string) (MethodFunc, error) {
	fn, ok := r.methods[method]
	if !ok {
		return nil, ErrNoRoute
	}
	return fn, nil
}

// Dispatch routes req and runs its handler. Unknown methods get
// METHOD_NOT_FOUND; operator-only methods called by other roles get
// UNAUTHORIZED.
func (r *Router) Dispatch(ctx context.Context, req *protocol.RequestFrame, respond agent.Responder) {
	fn, err := r.Route(req.Method)
	if err != nil {
		respond(protocol.NewErrorResponse(req.ID, protocol.Errorf(protocol.CodeMethodNotFound, "unknown method: %s", req.Method)))
		return
	}
	if r.operatorOnly[req.Method] {
		if authCtx := auth.FromContext(ctx); authCtx == nil || !authCtx.IsOperator() {
			respond(protocol.NewErrorResponse(req.ID, protocol.Errorf(protocol.CodeUnauthorized, "%s requires the operator role", req.Method)))
			return
		}
	}
	fn(ctx, req, respond)
}

// Methods lists the registered method names, sorted.
func (r *Router) Methods() []string {
	out := make([]string, 0, len(r.methods)+1)
	out = append(out, protocol.MethodConnect)
	for name := range r.methods {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
