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

package dnsauth

import (
	"context"

	"github.com/rs/zerolog"
)

// Manual is a DnsAuthority that logs the TXT record an operator must
// create/remove by hand, for instances whose registrar has no API
// wired yet. Automated record management belongs to whichever
// DnsAuthority an instance actually configures; this is the
// always-available fallback.
type Manual struct {
	log zerolog.Logger
}

func NewManual(log zerolog.Logger) *Manual {
	return &Manual{log: log.With().Str("component", "dnsAuthority").Logger()}
}

func (m *Manual) CreateTXTRecord(ctx context.Context, fqdn, value string) error {
	m.log.Warn().Str("fqdn", fqdn).Str("value", value).Msg("create this TXT record manually to complete DNS-01 validation")
	return nil
}

func (m *Manual) DeleteTXTRecord(ctx context.Context, fqdn, value string) error {
	m.log.Info().Str("fqdn", fqdn).Msg("dns-01 challenge TXT record may now be removed")
	return nil
}

var _ DnsAuthority = (*Manual)(nil)
