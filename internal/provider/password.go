package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/attanik/gatehouse/internal/storage"
)

// PasswordConfig configures the password provider.
type PasswordConfig struct {
	// Hasher derives stored hashes. Defaults to scrypt.
	Hasher Hasher

	// Length is the number of digits in verification codes. Default 6.
	Length int

	// Send delivers a verification code during registration and password
	// change.
	Send func(ctx context.Context, email, code string) error

	// Render overrides the built-in forms "login", "register", "code" and
	// "update". The data is a PasswordView.
	Render FormRenderer
}

// Password authenticates with an email and password. Hashes live in the
// issuer's storage under the email; registration and password change
// both require a code sent to the address first.
type Password struct {
	cfg PasswordConfig
	log *logrus.Entry
}

// NewPassword creates the provider.
func NewPassword(cfg PasswordConfig) *Password {
	if cfg.Hasher == nil {
		cfg.Hasher = NewScryptHasher()
	}
	if cfg.Length == 0 {
		cfg.Length = 6
	}
	return &Password{cfg: cfg, log: logrus.WithField("provider", "password")}
}

// Type implements Provider.
func (p *Password) Type() string {
	return "password"
}

func passwordKey(email string) []string {
	return []string{"email", strings.ToLower(email), "password"}
}

type passwordHashRecord struct {
	Hash string `json:"hash"`
}

// registerState tracks the register and change conversations. Verified
// flips only after the emailed code matched; the update step refuses to
// run without it.
type registerState struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code"`
	Verified bool   `json:"verified"`
}

var passwordTemplates = template.Must(template.New("password").Parse(`
{{define "login"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="login">
  <label>Email <input type="email" name="email" required autofocus></label>
  <label>Password <input type="password" name="password" required></label>
  <button type="submit">Sign in</button>
</form>
<p><a href="register">Create account</a> · <a href="change">Forgot password</a></p>
</body></html>{{end}}

{{define "register"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
  <label>Email <input type="email" name="email" required autofocus></label>
  {{if .AskPassword}}<label>Password <input type="password" name="password" required></label>{{end}}
  <button type="submit">Continue</button>
</form>
</body></html>{{end}}

{{define "code"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
  <label>Code <input type="text" name="code" inputmode="numeric" required autofocus></label>
  <button type="submit">Verify</button>
</form>
</body></html>{{end}}

{{define "update"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="update">
  <label>New password <input type="password" name="password" required autofocus></label>
  <button type="submit">Change password</button>
</form>
</body></html>{{end}}
`))

// PasswordView is the data handed to the password provider's forms.
type PasswordView struct {
	Error       string
	Action      string
	AskPassword bool
}

// Init implements Provider.
func (p *Password) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, ctx, "login", PasswordView{})
	})
	r.Post("/login", func(w http.ResponseWriter, req *http.Request) {
		p.login(w, req, ctx)
	})

	r.Get("/register", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, ctx, "register", PasswordView{Action: "register", AskPassword: true})
	})
	r.Post("/register", func(w http.ResponseWriter, req *http.Request) {
		p.register(w, req, ctx)
	})
	r.Post("/register/verify", func(w http.ResponseWriter, req *http.Request) {
		p.registerVerify(w, req, ctx)
	})

	r.Get("/change", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, ctx, "register", PasswordView{Action: "change"})
	})
	r.Post("/change", func(w http.ResponseWriter, req *http.Request) {
		p.change(w, req, ctx)
	})
	r.Post("/change/verify", func(w http.ResponseWriter, req *http.Request) {
		p.changeVerify(w, req, ctx)
	})
	r.Post("/update", func(w http.ResponseWriter, req *http.Request) {
		p.update(w, req, ctx)
	})
	return nil
}

func (p *Password) render(w http.ResponseWriter, ctx *Context, name string, view PasswordView) {
	if p.cfg.Render != nil {
		p.cfg.Render(w, name, view)
		return
	}
	var buf bytes.Buffer
	if err := passwordTemplates.ExecuteTemplate(&buf, name, view); err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	ctx.ForwardHTML(w, http.StatusOK, buf.Bytes())
}

func (p *Password) login(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := req.PostForm.Get("email")
	password := req.PostForm.Get("password")

	var rec passwordHashRecord
	found, err := storage.GetJSON(req.Context(), ctx.Storage(), passwordKey(email), &rec)
	if err != nil {
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	ok := false
	if found {
		ok, err = p.cfg.Hasher.Verify(password, rec.Hash)
		if err != nil {
			p.log.WithError(err).Warn("password hash verification errored")
			ok = false
		}
	} else {
		// burn a hash so absent accounts cost the same as wrong passwords
		_, _ = p.cfg.Hasher.Hash(password)
	}

	if !ok {
		p.render(w, ctx, "login", PasswordView{Error: "Invalid email or password."})
		return
	}
	ctx.Success(w, req, Result{"email": strings.ToLower(email)})
}

func (p *Password) register(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(req.PostForm.Get("email"))
	password := req.PostForm.Get("password")
	if len(password) < 8 {
		p.render(w, ctx, "register", PasswordView{Action: "register", AskPassword: true, Error: "Password must be at least 8 characters."})
		return
	}

	code, err := RandomDigits(p.cfg.Length)
	if err != nil {
		http.Error(w, "code generation failed", http.StatusInternalServerError)
		return
	}
	state := registerState{Email: email, Password: password, Code: code}
	if err := ctx.Set(req, "register", conversationTTL, state); err != nil {
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	if err := p.cfg.Send(req.Context(), email, code); err != nil {
		p.log.WithError(err).Error("failed to send verification code")
		http.Error(w, "failed to send code", http.StatusInternalServerError)
		return
	}

	p.render(w, ctx, "code", PasswordView{Action: "register/verify"})
}

func (p *Password) registerVerify(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var state registerState
	ok, err := ctx.Get(req, "register", &state)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.PostForm.Get("code")), []byte(state.Code)) != 1 {
		p.render(w, ctx, "code", PasswordView{Action: "register/verify", Error: "Invalid code, try again."})
		return
	}

	hash, err := p.cfg.Hasher.Hash(state.Password)
	if err != nil {
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	if err := storage.SetJSON(req.Context(), ctx.Storage(), passwordKey(state.Email), passwordHashRecord{Hash: hash}, 0); err != nil {
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	_ = ctx.Unset(req, "register")
	ctx.Success(w, req, Result{"email": state.Email})
}

func (p *Password) change(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(req.PostForm.Get("email"))

	code, err := RandomDigits(p.cfg.Length)
	if err != nil {
		http.Error(w, "code generation failed", http.StatusInternalServerError)
		return
	}
	state := registerState{Email: email, Code: code}
	if err := ctx.Set(req, "change", conversationTTL, state); err != nil {
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}
	if err := p.cfg.Send(req.Context(), email, code); err != nil {
		p.log.WithError(err).Error("failed to send verification code")
		http.Error(w, "failed to send code", http.StatusInternalServerError)
		return
	}

	p.render(w, ctx, "code", PasswordView{Action: "change/verify"})
}

func (p *Password) changeVerify(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var state registerState
	ok, err := ctx.Get(req, "change", &state)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.PostForm.Get("code")), []byte(state.Code)) != 1 {
		p.render(w, ctx, "code", PasswordView{Action: "change/verify", Error: "Invalid code, try again."})
		return
	}

	state.Verified = true
	if err := ctx.Set(req, "change", conversationTTL, state); err != nil {
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	p.render(w, ctx, "update", PasswordView{})
}

// update requires a change conversation whose code was verified. A POST
// arriving without that never writes a hash.
func (p *Password) update(w http.ResponseWriter, req *http.Request, ctx *Context) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var state registerState
	ok, err := ctx.Get(req, "change", &state)
	if err != nil || !ok || !state.Verified {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	password := req.PostForm.Get("password")
	if len(password) < 8 {
		p.render(w, ctx, "update", PasswordView{Error: "Password must be at least 8 characters."})
		return
	}

	hash, err := p.cfg.Hasher.Hash(password)
	if err != nil {
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	if err := storage.SetJSON(req.Context(), ctx.Storage(), passwordKey(state.Email), passwordHashRecord{Hash: hash}, 0); err != nil {
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}

	_ = ctx.Unset(req, "change")
	ctx.Success(w, req, Result{"email": state.Email})
}

var _ Provider = (*Password)(nil)
