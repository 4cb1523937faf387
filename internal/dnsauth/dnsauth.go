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

// Package dnsauth defines the DnsAuthority collaborator that obtains
// the wildcard certificate's DNS-01 challenge through whichever DNS
// provider is configured, and adapts it to lego's challenge.Provider so
// internal/certs can drive it without knowing which DNS API backs it.
package dnsauth

import (
	"context"
	"fmt"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
)

// DnsAuthority is the opaque external collaborator this package only
// consumes: create/delete a TXT record for ACME DNS-01 validation.
type DnsAuthority interface {
	CreateTXTRecord(ctx context.Context, fqdn, value string) error
	DeleteTXTRecord(ctx context.Context, fqdn, value string) error
}

// Provider adapts a DnsAuthority to lego's challenge.Provider, the
// shape NewStore's dnsProvider argument needs.
type Provider struct {
	authority DnsAuthority
}

func NewProvider(authority DnsAuthority) *Provider {
	return &Provider{authority: authority}
}

func (p *Provider) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	if err := p.authority.CreateTXTRecord(context.Background(), info.FQDN, info.Value); err != nil {
		return fmt.Errorf("failed to create dns-01 TXT record for %s: %w", domain, err)
	}
	return nil
}

func (p *Provider) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	if err := p.authority.DeleteTXTRecord(context.Background(), info.FQDN, info.Value); err != nil {
		return fmt.Errorf("failed to delete dns-01 TXT record for %s: %w", domain, err)
	}
	return nil
}

var _ challenge.Provider = (*Provider)(nil)
