package provider

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// LinkConfig configures the magic-link provider.
type LinkConfig struct {
	// Send delivers the link to the user. Clicking it completes the
	// conversation in the same browser.
	Send func(ctx context.Context, claims map[string]string, link string) error

	// Render overrides the built-in pages "start" and "sent".
	Render FormRenderer
}

// Link is the emailed-code flow with the code folded into a clickable
// URL instead of a form field.
type Link struct {
	cfg LinkConfig
	log *logrus.Entry
}

// NewLink creates the provider.
func NewLink(cfg LinkConfig) *Link {
	return &Link{cfg: cfg, log: logrus.WithField("provider", "link")}
}

// Type implements Provider.
func (p *Link) Type() string {
	return "link"
}

type linkState struct {
	Token  string            `json:"token"`
	Claims map[string]string `json:"claims"`
}

// Init implements Provider.
func (p *Link) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, ctx)
	})
	r.Post("/submit", func(w http.ResponseWriter, req *http.Request) {
		p.submit(w, req, ctx)
	})
	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		p.callback(w, req, ctx)
	})
	return nil
}

func (p *Link) render(w http.ResponseWriter, ctx *Context) {
	if p.cfg.Render != nil {
		p.cfg.Render(w, "start", nil)
		return
	}
	ctx.ForwardHTML(w, http.StatusOK, []byte(`<!doctype html>
<html><body>
<form method="post" action="submit">
  <label>Email <input type="email" name="email" required autofocus></label>
  <button type="submit">Send link</button>
</form>
</body></html>`))
}

func (p *Link) submit(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	claims := make(map[string]string, len(req.PostForm))
	for name := range req.PostForm {
		claims[name] = req.PostForm.Get(name)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	if err := ctx.Set(req, "link", conversationTTL, linkState{Token: token, Claims: claims}); err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	link := ctx.URL("/callback") + "?" + url.Values{"token": {token}}.Encode()
	if err := p.cfg.Send(req.Context(), claims, link); err != nil {
		p.log.WithError(err).Error("failed to send link")
		http.Error(w, "failed to send link", http.StatusInternalServerError)
		return
	}

	if p.cfg.Render != nil {
		p.cfg.Render(w, "sent", nil)
		return
	}
	ctx.ForwardHTML(w, http.StatusOK, []byte(`<!doctype html>
<html><body><p>Check your email for a sign-in link.</p></body></html>`))
}

func (p *Link) callback(w http.ResponseWriter, req *http.Request, ctx *Context) {
	var state linkState
	ok, err := ctx.Get(req, "link", &state)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	token := req.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(state.Token)) != 1 {
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}

	_ = ctx.Unset(req, "link")
	ctx.Success(w, req, Result{"claims": state.Claims})
}

var _ Provider = (*Link)(nil)
