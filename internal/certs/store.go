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

// Package certs implements the certificate store: one always-present
// wildcard certificate for the instance's base domain (DNS-01), issued
// lazily per-domain HTTP-01 certificates for custom domains, and a
// renewal timer. It wraps github.com/go-acme/lego/v4, a widely used
// Go ACME client.
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"

	"github.com/ricopinazo/prezel/internal/config"
)

// RenewalThreshold is the notAfter margin that triggers reissuance.
const RenewalThreshold = 15 * 24 * time.Hour

// RenewalTick is how often the renewal timer wakes.
const RenewalTick = 24 * time.Hour

// State is one domain's certificate lifecycle.
type State int

const (
	StateChallenge State = iota
	StateReady
)

type entry struct {
	state State
	cert  *tls.Certificate
	leaf  *x509.Certificate
}

// acmeUser implements registration.User, the account identity lego's
// client needs to register with the CA.
type acmeUser struct {
	Email        string
	Registration *registration.Resource
	key          *ecdsa.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// Store manages every domain's certificate under one ACME account. A
// reader/writer lock guards the per-domain map; the wildcard default is
// guarded separately so enrolling a new custom domain never blocks
// traffic to the base domain.
type Store struct {
	mu      sync.RWMutex
	domains map[string]*entry

	defaultMu  sync.RWMutex
	defaultTLS *entry

	baseDomain string
	paths      config.Paths
	client     *lego.Client
	dnsProvider  challenge.Provider
	http01Provider challenge.Provider

	log zerolog.Logger
}

// NewStore builds an ACME account (generating a key on first run,
// loading it from paths.AcmeAccountDir() otherwise) and a lego client
// configured for dns01 (wildcard) + http01 (custom domains).
func NewStore(ctx context.Context, caDirURL, email, baseDomain string, paths config.Paths, dnsProvider, http01Provider challenge.Provider, log zerolog.Logger) (*Store, error) {
	key, err := loadOrGenerateAccountKey(paths.AcmeAccountDir())
	if err != nil {
		return nil, fmt.Errorf("failed to load acme account key: %w", err)
	}
	user := &acmeUser{Email: email, key: key}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = caDirURL
	cfg.Certificate.KeyType = certificate.EC256

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build acme client: %w", err)
	}
	if err := client.Challenge.SetDNS01Provider(dnsProvider); err != nil {
		return nil, fmt.Errorf("failed to set dns01 provider: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(http01Provider); err != nil {
		return nil, fmt.Errorf("failed to set http01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to register acme account: %w", err)
	}
	user.Registration = reg

	s := &Store{
		domains:        make(map[string]*entry),
		baseDomain:     baseDomain,
		paths:          paths,
		client:         client,
		dnsProvider:    dnsProvider,
		http01Provider: http01Provider,
		log:            log.With().Str("component", "certStore").Logger(),
	}

	if err := s.ensureDefault(ctx); err != nil {
		return nil, fmt.Errorf("failed to issue default wildcard certificate: %w", err)
	}
	return s, nil
}

// EnsureDomain enqueues issuance for domain if it isn't already
// tracked. Issuance runs detached so the caller (reconcile) never
// stalls on it. A failed issuance is not retried: the domain stays
// tracked in the Challenge state, so later calls return early and
// Lookup keeps serving the wildcard default for it.
func (s *Store) EnsureDomain(domain string) {
	s.mu.RLock()
	_, known := s.domains[domain]
	s.mu.RUnlock()
	if known {
		return
	}
	s.mu.Lock()
	s.domains[domain] = &entry{state: StateChallenge}
	s.mu.Unlock()

	go func() {
		if err := s.issue(domain); err != nil {
			s.log.Warn().Err(err).Str("domain", domain).Msg("failed to issue certificate")
		}
	}()
}

// Lookup implements the SNI callback contract: returns the domain's
// Ready certificate, falling back to the wildcard default.
func (s *Store) Lookup(domain string) *tls.Certificate {
	s.mu.RLock()
	e, ok := s.domains[domain]
	s.mu.RUnlock()
	if ok && e.state == StateReady && e.cert != nil {
		return e.cert
	}
	s.defaultMu.RLock()
	defer s.defaultMu.RUnlock()
	if s.defaultTLS != nil {
		return s.defaultTLS.cert
	}
	return nil
}

func (s *Store) ensureDefault(ctx context.Context) error {
	if cert, leaf, ok := s.loadFromDisk(s.paths.DomainCert("default"), s.paths.DomainKey("default")); ok {
		s.defaultMu.Lock()
		s.defaultTLS = &entry{state: StateReady, cert: cert, leaf: leaf}
		s.defaultMu.Unlock()
		if time.Until(leaf.NotAfter) > RenewalThreshold {
			return nil
		}
	}
	return s.issueWildcard()
}

func (s *Store) issueWildcard() error {
	req := certificate.ObtainRequest{
		Domains: []string{s.baseDomain, "*." + s.baseDomain},
		Bundle:  true,
	}
	res, err := s.client.Certificate.Obtain(req)
	if err != nil {
		return fmt.Errorf("failed to obtain wildcard certificate: %w", err)
	}
	cert, leaf, err := s.persist("default", res.Certificate, res.PrivateKey)
	if err != nil {
		return err
	}
	s.defaultMu.Lock()
	s.defaultTLS = &entry{state: StateReady, cert: cert, leaf: leaf}
	s.defaultMu.Unlock()
	return nil
}

func (s *Store) issue(domain string) error {
	req := certificate.ObtainRequest{Domains: []string{domain}, Bundle: true}
	res, err := s.client.Certificate.Obtain(req)
	if err != nil {
		return fmt.Errorf("failed to obtain certificate for %s: %w", domain, err)
	}
	cert, leaf, err := s.persist(domain, res.Certificate, res.PrivateKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.domains[domain] = &entry{state: StateReady, cert: cert, leaf: leaf}
	s.mu.Unlock()
	return nil
}

func (s *Store) persist(domain string, certPEM, keyPEM []byte) (*tls.Certificate, *x509.Certificate, error) {
	if err := os.MkdirAll(s.paths.DomainDir(domain), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create cert dir: %w", err)
	}
	if err := os.WriteFile(s.paths.DomainCert(domain), certPEM, 0644); err != nil {
		return nil, nil, fmt.Errorf("failed to write cert: %w", err)
	}
	if err := os.WriteFile(s.paths.DomainKey(domain), keyPEM, 0600); err != nil {
		return nil, nil, fmt.Errorf("failed to write key: %w", err)
	}
	return s.loadCertAndLeaf(certPEM, keyPEM)
}

func (s *Store) loadFromDisk(certPath, keyPath string) (*tls.Certificate, *x509.Certificate, bool) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, false
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, false
	}
	cert, leaf, err := s.loadCertAndLeaf(certPEM, keyPEM)
	if err != nil {
		return nil, nil, false
	}
	return cert, leaf, true
}

func (s *Store) loadCertAndLeaf(certPEM, keyPEM []byte) (*tls.Certificate, *x509.Certificate, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse cert/key pair: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in certificate")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
	}
	return &pair, leaf, nil
}

// RunRenewal blocks until ctx is cancelled, reissuing any certificate
// whose notAfter is within RenewalThreshold every RenewalTick. A domain
// never serves no certificate during renewal: the old entry/defaultTLS
// is only swapped once the replacement is ready.
func (s *Store) RunRenewal(ctx context.Context) {
	ticker := time.NewTicker(RenewalTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renewDue()
		}
	}
}

func (s *Store) renewDue() {
	s.defaultMu.RLock()
	def := s.defaultTLS
	s.defaultMu.RUnlock()
	if def != nil && time.Until(def.leaf.NotAfter) < RenewalThreshold {
		if err := s.issueWildcard(); err != nil {
			s.log.Warn().Err(err).Msg("failed to renew wildcard certificate")
		}
	}

	s.mu.RLock()
	due := make([]string, 0)
	for domain, e := range s.domains {
		if e.state == StateReady && e.leaf != nil && time.Until(e.leaf.NotAfter) < RenewalThreshold {
			due = append(due, domain)
		}
	}
	s.mu.RUnlock()

	for _, domain := range due {
		if err := s.issue(domain); err != nil {
			s.log.Warn().Err(err).Str("domain", domain).Msg("failed to renew certificate")
		}
	}
}

func loadOrGenerateAccountKey(dir string) (*ecdsa.PrivateKey, error) {
	path := dir + "/account.key"
	if b, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("corrupt acme account key")
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate acme account key: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create acme account dir: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal acme account key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist acme account key: %w", err)
	}
	return key, nil
}
