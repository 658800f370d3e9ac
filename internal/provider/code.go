package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// CodeConfig configures the emailed-code provider.
type CodeConfig struct {
	// Length is the number of digits in the code. Default 6.
	Length int

	// Send delivers the code to the user, typically by email. The claims
	// are whatever the user entered on the first form.
	Send func(ctx context.Context, claims map[string]string, code string) error

	// Render overrides the built-in forms "start" and "verify".
	Render FormRenderer
}

// Code authenticates by sending the user a short numeric code and asking
// them to type it back. Two steps: collect claims, verify code.
type Code struct {
	cfg CodeConfig
	log *logrus.Entry
}

// NewCode creates the provider.
func NewCode(cfg CodeConfig) *Code {
	if cfg.Length == 0 {
		cfg.Length = 6
	}
	return &Code{cfg: cfg, log: logrus.WithField("provider", "code")}
}

// Type implements Provider.
func (p *Code) Type() string {
	return "code"
}

type codeState struct {
	Code   string            `json:"code"`
	Claims map[string]string `json:"claims"`
}

var codeStartTemplate = template.Must(template.New("start").Parse(`<!doctype html>
<html><body>
<form method="post" action="submit">
  <label>Email <input type="email" name="email" required autofocus></label>
  <button type="submit">Continue</button>
</form>
</body></html>`))

var codeVerifyTemplate = template.Must(template.New("verify").Parse(`<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="verify">
  <label>Code <input type="text" name="code" inputmode="numeric" required autofocus></label>
  <button type="submit">Verify</button>
</form>
</body></html>`))

// Init implements Provider.
func (p *Code) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, ctx, "start", codeStartTemplate, nil)
	})
	r.Post("/submit", func(w http.ResponseWriter, req *http.Request) {
		p.submit(w, req, ctx)
	})
	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		p.verify(w, req, ctx)
	})
	return nil
}

func (p *Code) render(w http.ResponseWriter, ctx *Context, form string, t *template.Template, data any) {
	if p.cfg.Render != nil {
		p.cfg.Render(w, form, data)
		return
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	ctx.ForwardHTML(w, http.StatusOK, buf.Bytes())
}

func (p *Code) submit(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	claims := make(map[string]string, len(req.PostForm))
	for name := range req.PostForm {
		claims[name] = req.PostForm.Get(name)
	}

	code, err := RandomDigits(p.cfg.Length)
	if err != nil {
		http.Error(w, "code generation failed", http.StatusInternalServerError)
		return
	}

	if err := ctx.Set(req, "code", conversationTTL, codeState{Code: code, Claims: claims}); err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}
	if err := p.cfg.Send(req.Context(), claims, code); err != nil {
		p.log.WithError(err).Error("failed to send code")
		http.Error(w, "failed to send code", http.StatusInternalServerError)
		return
	}

	p.render(w, ctx, "verify", codeVerifyTemplate, nil)
}

func (p *Code) verify(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var state codeState
	ok, err := ctx.Get(req, "code", &state)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	submitted := req.PostForm.Get("code")
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(state.Code)) != 1 {
		p.render(w, ctx, "verify", codeVerifyTemplate, map[string]string{"Error": "Invalid code, try again."})
		return
	}

	_ = ctx.Unset(req, "code")
	ctx.Success(w, req, Result{"claims": state.Claims})
}

// RandomDigits returns n uniformly distributed decimal digits. Bytes of
// 250 and above are rejected so the modulo cannot skew the distribution.
func RandomDigits(n int) (string, error) {
	digits := make([]byte, 0, n)
	buf := make([]byte, 1)
	for len(digits) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		if buf[0] >= 250 {
			continue
		}
		digits = append(digits, '0'+buf[0]%10)
	}
	return string(digits), nil
}

var _ Provider = (*Code)(nil)
