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

package certs

import "sync"

// HTTP01Provider implements challenge.Provider by holding the
// key-authorization in memory for the proxy's ACME challenge handler to
// serve under .well-known/acme-challenge. Each custom domain is issued
// on its own detached goroutine, so several challenges can be in flight
// at once; the map is keyed by token to hold them side by side.
type HTTP01Provider struct {
	mu    sync.RWMutex
	token map[string]string // token -> keyAuth
}

func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{token: make(map[string]string)}
}

func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token[token] = keyAuth
	return nil
}

func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.token, token)
	return nil
}

// KeyAuth returns the key-authorization for token, if a challenge is
// in flight for it. Called by the proxy's
// /.well-known/acme-challenge/{token} handler.
func (p *HTTP01Provider) KeyAuth(token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keyAuth, ok := p.token[token]
	return keyAuth, ok
}
