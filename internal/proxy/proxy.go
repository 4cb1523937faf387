// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy implements the reverse proxy: TLS termination with SNI
// dispatch, hostname resolution against the DeploymentMap, on-demand
// container wake via ProxyTarget.Access, the session-cookie auth gate,
// HTTP->HTTPS redirect with an ACME HTTP-01 challenge handler, and CORS
// for the provider's own origin.
package proxy

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/auth"
	"github.com/ricopinazo/prezel/internal/certs"
	"github.com/ricopinazo/prezel/internal/deployments"
	"github.com/ricopinazo/prezel/internal/reqlog"
)

// ContainerResolver is the narrow slice of DeploymentMap the proxy
// needs (hostname resolution); internal/deployments.Map satisfies it.
type ContainerResolver interface {
	GetByHostname(host string) deployments.ProxyTarget
}

// Proxy is the single entry point for all proxied traffic.
type Proxy struct {
	deployments ContainerResolver
	certs       *certs.Store
	challenges  *certs.HTTP01Provider
	signer      *auth.Signer
	requests    *reqlog.Writer

	hostname       string // instance base domain B
	apiHostname    string // "api." + B
	apiHandler     http.Handler
	providerOrigin string // the only origin allowed cross-site access, for CORS

	log zerolog.Logger
}

func New(resolver ContainerResolver, certStore *certs.Store, challenges *certs.HTTP01Provider, signer *auth.Signer, requests *reqlog.Writer, hostname, providerOrigin string, apiHandler http.Handler, log zerolog.Logger) *Proxy {
	return &Proxy{
		deployments:    resolver,
		certs:          certStore,
		challenges:     challenges,
		signer:         signer,
		requests:       requests,
		hostname:       hostname,
		apiHostname:    "api." + hostname,
		apiHandler:     apiHandler,
		providerOrigin: providerOrigin,
		log:            log.With().Str("component", "proxy").Logger(),
	}
}

// TLSConfig returns the *tls.Config to serve HTTPS with, dispatching
// certificates by SNI.
func (p *Proxy) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := p.certs.Lookup(strings.ToLower(hello.ServerName))
			if cert == nil {
				return nil, fmt.Errorf("no certificate available for %q", hello.ServerName)
			}
			return cert, nil
		},
	}
}

// HTTPHandler serves port 80: the ACME HTTP-01 challenge response, or a
// redirect to HTTPS for everything else.
func (p *Proxy) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := strings.CutPrefix(r.URL.Path, "/.well-known/acme-challenge/"); ok {
			keyAuth, found := p.challenges.KeyAuth(token)
			if !found {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(keyAuth))
			return
		}
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// ServeHTTP implements the HTTPS request path: resolve the hostname
// against the DeploymentMap (a deployment container or a DB server),
// gate private deployments behind the session cookie, then wake and
// forward.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.applyCORS(w, r)

	host := strings.ToLower(stripPort(r.Host))
	if host == p.apiHostname {
		p.apiHandler.ServeHTTP(w, r)
		return
	}

	target := p.deployments.GetByHostname(host)
	if target == nil {
		http.NotFound(w, r)
		return
	}

	if target.IsPrivate() && !p.authorized(r, host) {
		callback := url.QueryEscape("https://" + r.Host + r.URL.RequestURI())
		http.Redirect(w, r, fmt.Sprintf("%s/api/instance/auth?callback=%s", p.providerOrigin, callback), http.StatusFound)
		return
	}

	result := target.Access(r.Context())
	status := p.respond(w, r, result)
	p.logRequest(r, target, host, status)
}

func (p *Proxy) respond(w http.ResponseWriter, r *http.Request, result deployments.AccessResult) int {
	switch result.Kind {
	case deployments.AccessSocket:
		return p.forward(w, r, result.Socket)
	case deployments.AccessLoading:
		w.Header().Set("Prezel-Loading", "true")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(loadingPage))
		return http.StatusOK
	default:
		http.Error(w, "container failed to build", http.StatusBadGateway)
		return http.StatusBadGateway
	}
}

// loadingPage is the small HTML body served while a container wakes,
// polled by the client until the socket is ready.
const loadingPage = `<!doctype html><html><head><meta http-equiv="refresh" content="2"></head>
<body>Starting your deployment, this page will refresh automatically...</body></html>`

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, socket string) int {
	target := &url.URL{Scheme: "http", Host: socket}
	rp := httputil.NewSingleHostReverseProxy(target)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rp.ServeHTTP(rec, r)
	return rec.status
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authorized checks the session cookie named after the requested
// hostname, set once the provider's own auth flow completes.
func (p *Proxy) authorized(r *http.Request, host string) bool {
	c, err := r.Cookie(host)
	if err != nil {
		return false
	}
	_, err = p.signer.Verify(c.Value)
	return err == nil
}

// applyCORS allows only the provider's own origin, with credentials.
func (p *Proxy) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || origin != p.providerOrigin {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

func (p *Proxy) logRequest(r *http.Request, target deployments.ProxyTarget, host string, status int) {
	if p.requests == nil {
		return
	}
	entry := reqlog.Entry{
		Timestamp:    time.Now(),
		DeploymentID: target.DeploymentID(),
		Host:         host,
		Method:       r.Method,
		Path:         r.URL.Path,
		Status:       status,
		Level:        levelFor(status),
	}
	if err := p.requests.Append(entry); err != nil {
		p.log.Warn().Err(err).Msg("failed to append request log entry")
	}
}

func levelFor(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "warn"
	default:
		return "info"
	}
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
