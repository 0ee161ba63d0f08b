package daemon

import (
	"fmt"
	"strings"

	"pongnet/internal/proto"
)

type Handler func(from string, msg proto.Message) error

// Router maps every message type to exactly one handler.
type Router struct {
	handlers [proto.NumTypes]Handler
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) Register(t proto.Type, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: cannot route type %d", proto.ErrProtocol, t)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", t)
	}
	if r.handlers[t] != nil {
		return fmt.Errorf("handler for %s already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Validate fails when any message type lacks a handler.
func (r *Router) Validate() error {
	var missing []string
	for _, t := range proto.AllTypes() {
		if r.handlers[t] == nil {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("router: no handler for %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r *Router) Dispatch(from string, msg proto.Message) error {
	t := msg.Type()
	if !t.Valid() || r.handlers[t] == nil {
		return fmt.Errorf("%w: no route for %s", proto.ErrProtocol, t)
	}
	return r.handlers[t](from, msg)
}
