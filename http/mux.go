package http

import "net/http"

// Middleware wraps an HTTP handler.
type Middleware func(http.Handler) http.Handler

// ChainMux registers handlers on an underlying mux with a fixed
// middleware chain layered around each. Registration happens at
// startup; the chain does not change afterwards.
type ChainMux struct {
	mux   *http.ServeMux
	chain []Middleware
}

// NewChainMux wraps mux so every registered handler runs behind chain,
// outermost first.
func NewChainMux(mux *http.ServeMux, chain ...Middleware) *ChainMux {
	return &ChainMux{mux: mux, chain: chain}
}

// Handle layers the chain around handler and registers it with pattern.
func (c *ChainMux) Handle(pattern string, handler http.Handler) {
	for i := len(c.chain) - 1; i >= 0; i-- {
		handler = c.chain[i](handler)
	}
	c.mux.Handle(pattern, handler)
}

// HandleFunc layers the chain around handler and registers it with pattern.
func (c *ChainMux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	c.Handle(pattern, http.HandlerFunc(handler))
}

// ServeHTTP is a convenience wrapper to use c itself as an HTTP handler.
func (c *ChainMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mux.ServeHTTP(w, r)
}
