package router

import (
	"net/http"
)

// Middleware wraps the whole chain onion-style: Before runs on the way in,
// After runs in reverse order on the way out and sees any error the
// intercept produced. An After error overrides the absence of a prior one.
type Middleware interface {
	Before(w http.ResponseWriter, r *http.Request) error
	After(w http.ResponseWriter, r *http.Request, handleErr error) error
}

// Intercept is a terminal handler: the first one whose CanHandle accepts the
// request serves it and ends the chain.
type Intercept interface {
	CanHandle(r *http.Request) (bool, error)
	Handle(w http.ResponseWriter, r *http.Request) error
}

// Chain combines middlewares and intercepts. It replaces inheritance-style
// handler hierarchies with a flat, explicitly ordered pipeline.
type Chain struct {
	middlewares []Middleware
	intercepts  []Intercept
}

// NewChain builds a chain with the given middlewares and intercepts, both in
// execution order.
func NewChain(middlewares []Middleware, intercepts []Intercept) *Chain {
	return &Chain{middlewares: middlewares, intercepts: intercepts}
}

// Serve runs the chain. It returns handled=false when no intercept matched,
// so the caller can fall through to the next handler (typically the local
// data-plane). The returned error is whatever survived the after-phase.
func (c *Chain) Serve(w http.ResponseWriter, r *http.Request) (handled bool, err error) {
	entered := 0
	for _, m := range c.middlewares {
		if beforeErr := m.Before(w, r); beforeErr != nil {
			err = beforeErr
			break
		}
		entered++
	}

	var handleErr error
	if err == nil {
		for _, i := range c.intercepts {
			ok, canErr := i.CanHandle(r)
			if canErr != nil {
				handleErr = canErr
				handled = true
				break
			}
			if ok {
				handleErr = i.Handle(w, r)
				handled = true
				break
			}
		}
	} else {
		handleErr = err
	}

	// Unwind only the middlewares whose Before ran
	for i := entered - 1; i >= 0; i-- {
		if afterErr := c.middlewares[i].After(w, r, handleErr); afterErr != nil {
			handleErr = afterErr
		}
	}

	return handled, handleErr
}
