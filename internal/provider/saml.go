package provider

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/xml"
	"net/http"
	"net/url"

	"github.com/crewjam/saml"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// SAMLConfig configures the SAML provider.
type SAMLConfig struct {
	// IDPMetadata is the identity provider's parsed entity descriptor.
	IDPMetadata *saml.EntityDescriptor

	// Key and Certificate identify this service provider to the IdP.
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
}

// SAML authenticates against an enterprise identity provider. The
// issuer acts as the SAML service provider: it redirects to the IdP's
// sign-on URL and consumes the signed assertion posted back.
type SAML struct {
	cfg SAMLConfig
	log *logrus.Entry
}

// NewSAML creates the provider.
func NewSAML(cfg SAMLConfig) *SAML {
	return &SAML{cfg: cfg, log: logrus.WithField("provider", "saml")}
}

// Type implements Provider.
func (p *SAML) Type() string {
	return "saml"
}

type samlState struct {
	RequestID string `json:"requestID"`
}

func (p *SAML) serviceProvider(ctx *Context) *saml.ServiceProvider {
	acs, _ := url.Parse(ctx.URL("/acs"))
	metadata, _ := url.Parse(ctx.URL("/metadata"))
	return &saml.ServiceProvider{
		Key:         p.cfg.Key,
		Certificate: p.cfg.Certificate,
		IDPMetadata: p.cfg.IDPMetadata,
		AcsURL:      *acs,
		MetadataURL: *metadata,
	}
}

// Init implements Provider.
func (p *SAML) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.authorize(w, req, ctx)
	})
	r.Post("/acs", func(w http.ResponseWriter, req *http.Request) {
		p.acs(w, req, ctx)
	})
	r.Get("/metadata", func(w http.ResponseWriter, req *http.Request) {
		p.metadata(w, ctx)
	})
	return nil
}

func (p *SAML) authorize(w http.ResponseWriter, req *http.Request, ctx *Context) {
	sp := p.serviceProvider(ctx)

	authReq, err := sp.MakeAuthenticationRequest(
		sp.GetSSOBindingLocation(saml.HTTPRedirectBinding),
		saml.HTTPRedirectBinding,
		saml.HTTPPostBinding,
	)
	if err != nil {
		p.log.WithError(err).Error("failed to build authentication request")
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	if err := ctx.Set(req, "saml", conversationTTL, samlState{RequestID: authReq.ID}); err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	redirect, err := authReq.Redirect("", sp)
	if err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, req, redirect.String(), http.StatusFound)
}

func (p *SAML) acs(w http.ResponseWriter, req *http.Request, ctx *Context) {
	var stored samlState
	ok, err := ctx.Get(req, "saml", &stored)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	sp := p.serviceProvider(ctx)
	assertion, err := sp.ParseResponse(req, []string{stored.RequestID})
	if err != nil {
		p.log.WithError(err).Warn("assertion rejected")
		http.Error(w, "assertion rejected", http.StatusBadRequest)
		return
	}

	attributes := map[string][]string{}
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			for _, value := range attr.Values {
				attributes[attr.Name] = append(attributes[attr.Name], value.Value)
			}
		}
	}

	var nameID string
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		nameID = assertion.Subject.NameID.Value
	}

	_ = ctx.Unset(req, "saml")
	ctx.Success(w, req, Result{
		"nameID":     nameID,
		"attributes": attributes,
	})
}

func (p *SAML) metadata(w http.ResponseWriter, ctx *Context) {
	sp := p.serviceProvider(ctx)
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	buf, err := xmlMarshal(sp.Metadata())
	if err != nil {
		http.Error(w, "metadata unavailable", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(buf)
}

func xmlMarshal(v any) ([]byte, error) {
	return xml.MarshalIndent(v, "", "  ")
}

var _ Provider = (*SAML)(nil)
