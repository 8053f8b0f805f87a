// Copyright 2025 Tom Barlow
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

package secretstore

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringStore resolves secrets from the host OS keychain (macOS Keychain
// Access, Linux Secret Service, Windows Credential Manager) via
// zalando/go-keyring. Intended for local development, where a developer
// stores service credentials once and every workflowcore invocation
// reuses them without an env var in their shell profile.
type KeyringStore struct {
	service   string
	available bool
}

// NewKeyringStore constructs a KeyringStore for the given keychain
// service name, probing reachability once at construction.
func NewKeyringStore(service string) *KeyringStore {
	s := &KeyringStore{service: service, available: true}
	_, err := keyring.Get(service, "__workflowcore_availability_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		s.available = false
	}
	return s
}

// Name implements Backend.
func (k *KeyringStore) Name() string { return "keyring" }

// Available implements Backend.
func (k *KeyringStore) Available() bool { return k.available }

// Get implements Backend.
func (k *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	if !k.available {
		return "", ErrNotFound
	}
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}
