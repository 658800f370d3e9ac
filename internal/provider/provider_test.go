package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attanik/gatehouse/internal/storage"
)

// testHarness mounts a provider the way the issuer would and records
// what it delivers on success.
type testHarness struct {
	router      *chi.Mux
	ctx         *Context
	store       *storage.Memory
	result      Result
	invalidated []string
}

func newHarness(t *testing.T, name string, p Provider) *testHarness {
	t.Helper()

	h := &testHarness{store: storage.NewMemory()}
	h.ctx = NewContext(name, "https://auth.example.com", h.store,
		func(w http.ResponseWriter, r *http.Request, result Result) {
			h.result = result
			w.WriteHeader(http.StatusNoContent)
		},
		func(_ context.Context, subjectID string) error {
			h.invalidated = append(h.invalidated, subjectID)
			return nil
		})

	h.router = chi.NewRouter()
	sub := chi.NewRouter()
	require.NoError(t, p.Init(sub, h.ctx))
	h.router.Mount("/"+name, sub)
	return h
}

func (h *testHarness) do(t *testing.T, method, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.AddCookie(&http.Cookie{Name: StateCookie, Value: "req-1"})

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestContext_ConversationSlots(t *testing.T) {
	h := newHarness(t, "x", &Dummy{})

	req := httptest.NewRequest(http.MethodGet, "/x/authorize", nil)
	req.AddCookie(&http.Cookie{Name: StateCookie, Value: "req-1"})

	require.NoError(t, h.ctx.Set(req, "slot", time.Minute, map[string]string{"a": "b"}))

	var out map[string]string
	ok, err := h.ctx.Get(req, "slot", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", out["a"])

	require.NoError(t, h.ctx.Unset(req, "slot"))
	ok, err = h.ctx.Get(req, "slot", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContext_MissingCookie(t *testing.T) {
	h := newHarness(t, "x", &Dummy{})
	req := httptest.NewRequest(http.MethodGet, "/x/authorize", nil)

	var out map[string]string
	_, err := h.ctx.Get(req, "slot", &out)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestContext_SlotsAreScopedByConversation(t *testing.T) {
	h := newHarness(t, "x", &Dummy{})

	first := httptest.NewRequest(http.MethodGet, "/x/authorize", nil)
	first.AddCookie(&http.Cookie{Name: StateCookie, Value: "req-1"})
	second := httptest.NewRequest(http.MethodGet, "/x/authorize", nil)
	second.AddCookie(&http.Cookie{Name: StateCookie, Value: "req-2"})

	require.NoError(t, h.ctx.Set(first, "slot", time.Minute, "one"))

	var out string
	ok, err := h.ctx.Get(second, "slot", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContext_URL(t *testing.T) {
	h := newHarness(t, "github", &Dummy{})
	assert.Equal(t, "https://auth.example.com/github/callback", h.ctx.URL("/callback"))
	assert.Equal(t, "https://auth.example.com/github/callback", h.ctx.URL("callback"))
}

func TestDummy_SucceedsImmediately(t *testing.T) {
	h := newHarness(t, "dummy", &Dummy{Claims: map[string]string{"email": "a@b.com"}})

	rec := h.do(t, http.MethodGet, "/dummy/authorize", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NotNil(t, h.result)
	assert.Equal(t, "dummy", h.result["provider"])
	assert.Equal(t, map[string]string{"email": "a@b.com"}, h.result["claims"])
}

func TestCode_FullConversation(t *testing.T) {
	var sentCode string
	p := NewCode(CodeConfig{
		Send: func(_ context.Context, claims map[string]string, code string) error {
			sentCode = code
			return nil
		},
	})
	h := newHarness(t, "code", p)

	rec := h.do(t, http.MethodGet, "/code/authorize", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "email")

	rec = h.do(t, http.MethodPost, "/code/submit", url.Values{"email": {"a@b.com"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sentCode, 6)

	// wrong code re-renders the form, conversation stays alive
	rec = h.do(t, http.MethodPost, "/code/verify", url.Values{"code": {"000000x"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid code")
	assert.Nil(t, h.result)

	rec = h.do(t, http.MethodPost, "/code/verify", url.Values{"code": {sentCode}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, h.result)
	assert.Equal(t, "code", h.result["provider"])
	assert.Equal(t, map[string]string{"email": "a@b.com"}, h.result["claims"])
}

func TestCode_CustomRenderer(t *testing.T) {
	var forms []string
	p := NewCode(CodeConfig{
		Send: func(context.Context, map[string]string, string) error { return nil },
		Render: func(w http.ResponseWriter, form string, data any) {
			forms = append(forms, form)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>custom " + form + "</body></html>"))
		},
	})
	h := newHarness(t, "code", p)

	rec := h.do(t, http.MethodGet, "/code/authorize", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "custom start")

	rec = h.do(t, http.MethodPost, "/code/submit", url.Values{"email": {"a@b.com"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/code/verify", url.Values{"code": {"not-it"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"start", "verify", "verify"}, forms)
}

func TestPassword_CustomRenderer(t *testing.T) {
	p := NewPassword(PasswordConfig{
		Send: func(context.Context, string, string) error { return nil },
		Render: func(w http.ResponseWriter, form string, data any) {
			view, ok := data.(PasswordView)
			require.True(t, ok)
			_, _ = w.Write([]byte("form=" + form + " error=" + view.Error))
		},
	})
	h := newHarness(t, "password", p)

	rec := h.do(t, http.MethodGet, "/password/authorize", nil)
	assert.Equal(t, "form=login error=", rec.Body.String())

	rec = h.do(t, http.MethodPost, "/password/login",
		url.Values{"email": {"nobody@b.com"}, "password": {"whatever"}})
	assert.Contains(t, rec.Body.String(), "form=login error=Invalid email or password.")
}

func TestRandomDigits(t *testing.T) {
	code, err := RandomDigits(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}
}

func TestLink_FullConversation(t *testing.T) {
	var sentLink string
	p := NewLink(LinkConfig{
		Send: func(_ context.Context, claims map[string]string, link string) error {
			sentLink = link
			return nil
		},
	})
	h := newHarness(t, "link", p)

	rec := h.do(t, http.MethodPost, "/link/submit", url.Values{"email": {"a@b.com"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, sentLink)

	u, err := url.Parse(sentLink)
	require.NoError(t, err)
	assert.Equal(t, "/link/callback", u.Path)

	// tampered token is rejected
	rec = h.do(t, http.MethodGet, "/link/callback?token=forged", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, h.result)

	rec = h.do(t, http.MethodGet, "/link/callback?"+u.RawQuery, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, h.result)
	assert.Equal(t, "link", h.result["provider"])
	assert.Equal(t, map[string]string{"email": "a@b.com"}, h.result["claims"])
}

func TestPassword_RegisterAndLogin(t *testing.T) {
	var sentCode string
	p := NewPassword(PasswordConfig{
		Send: func(_ context.Context, email, code string) error {
			sentCode = code
			return nil
		},
	})
	h := newHarness(t, "password", p)

	rec := h.do(t, http.MethodPost, "/password/register",
		url.Values{"email": {"A@B.com"}, "password": {"hunter2hunter2"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, sentCode)

	rec = h.do(t, http.MethodPost, "/password/register/verify", url.Values{"code": {sentCode}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, h.result)
	assert.Equal(t, "a@b.com", h.result["email"])

	h.result = nil
	rec = h.do(t, http.MethodPost, "/password/login",
		url.Values{"email": {"a@b.com"}, "password": {"wrong-password"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid email or password")
	assert.Nil(t, h.result)

	rec = h.do(t, http.MethodPost, "/password/login",
		url.Values{"email": {"a@b.com"}, "password": {"hunter2hunter2"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, h.result)
	assert.Equal(t, "a@b.com", h.result["email"])
}

func TestPassword_UpdateRequiresVerifiedCode(t *testing.T) {
	p := NewPassword(PasswordConfig{
		Send: func(_ context.Context, email, code string) error { return nil },
	})
	h := newHarness(t, "password", p)

	// no change conversation at all
	rec := h.do(t, http.MethodPost, "/password/update", url.Values{"password": {"newpassword1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// change started but code never verified
	rec = h.do(t, http.MethodPost, "/password/change", url.Values{"email": {"a@b.com"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/password/update", url.Values{"password": {"newpassword1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, h.result)
}

func TestPassword_ChangeFlow(t *testing.T) {
	var sentCode string
	p := NewPassword(PasswordConfig{
		Send: func(_ context.Context, email, code string) error {
			sentCode = code
			return nil
		},
	})
	h := newHarness(t, "password", p)

	// seed an account
	rec := h.do(t, http.MethodPost, "/password/register",
		url.Values{"email": {"a@b.com"}, "password": {"oldpassword1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/password/register/verify", url.Values{"code": {sentCode}})
	require.Equal(t, http.StatusNoContent, rec.Code)
	h.result = nil

	rec = h.do(t, http.MethodPost, "/password/change", url.Values{"email": {"a@b.com"}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/password/change/verify", url.Values{"code": {sentCode}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/password/update", url.Values{"password": {"newpassword1"}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	h.result = nil
	rec = h.do(t, http.MethodPost, "/password/login",
		url.Values{"email": {"a@b.com"}, "password": {"oldpassword1"}})
	assert.Contains(t, rec.Body.String(), "Invalid email or password")

	rec = h.do(t, http.MethodPost, "/password/login",
		url.Values{"email": {"a@b.com"}, "password": {"newpassword1"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, h.result)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]Provider{
		"dummy": &Dummy{},
		"code":  NewCode(CodeConfig{Send: func(context.Context, map[string]string, string) error { return nil }}),
	})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"code", "dummy"}, r.Names())

	p, ok := r.Get("dummy")
	require.True(t, ok)
	assert.Equal(t, "dummy", p.Type())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}
