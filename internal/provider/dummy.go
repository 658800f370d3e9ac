package provider

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Dummy authenticates everyone immediately with a fixed claim set. For
// development and tests only.
type Dummy struct {
	Claims map[string]string
}

// Type implements Provider.
func (d *Dummy) Type() string {
	return "dummy"
}

// Init implements Provider.
func (d *Dummy) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		ctx.Success(w, req, Result{"claims": d.Claims})
	})
	return nil
}

var _ Provider = (*Dummy)(nil)
