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

// Package secretstore resolves the "{secret}" references a step's
// ServiceRequestSpec headers/body may carry (§6), masking them again
// before any error message or log line containing the resolved value
// leaves the executor.
package secretstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a secret reference does not exist in the
// backing store.
var ErrNotFound = errors.New("secretstore: secret not found")

// Backend is a single secret storage mechanism. Stores compose one or
// more backends and resolve in priority order, mirroring the teacher's
// SecretBackend/Resolver split.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
	Available() bool
}

// Store resolves "{name}" references against a set of backends and masks
// resolved values back out of arbitrary strings.
type Store struct {
	backends []Backend
	masker   *Masker
}

// New constructs a Store that tries backends in the given order, the
// first Available() one whose Get succeeds wins.
func New(backends ...Backend) *Store {
	return &Store{backends: backends, masker: NewMasker()}
}

// ResolveSecret resolves a "{name}" reference to its underlying value. A
// bare name with no braces is returned unchanged, matching the literal
// (non-secret) value case.
func (s *Store) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, ok := secretName(ref)
	if !ok {
		return ref, nil
	}

	var lastErr error
	for _, b := range s.backends {
		if !b.Available() {
			continue
		}
		value, err := b.Get(ctx, name)
		if err == nil {
			s.masker.AddSecret(value)
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrNotFound
}

// ResolveHeaders resolves every value in a header map that names a
// secret reference, leaving literal values untouched.
func (s *Store) ResolveHeaders(ctx context.Context, headers map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		value, err := s.ResolveSecret(ctx, v)
		if err != nil {
			return nil, err
		}
		resolved[k] = value
	}
	return resolved, nil
}

// MaskSecret replaces every previously-resolved secret value appearing in
// s with "***", for safe inclusion in logs and error messages.
func (s *Store) MaskSecret(text string) string {
	return s.masker.Mask(text)
}

// DescribeSecret reports a secret reference's backend and presence
// without ever returning the value itself, for diagnostics endpoints.
func (s *Store) DescribeSecret(ctx context.Context, ref string) (Description, error) {
	name, ok := secretName(ref)
	if !ok {
		return Description{Reference: ref, IsSecretRef: false}, nil
	}
	for _, b := range s.backends {
		if !b.Available() {
			continue
		}
		if _, err := b.Get(ctx, name); err == nil {
			return Description{Reference: ref, IsSecretRef: true, Backend: b.Name(), Found: true}, nil
		}
	}
	return Description{Reference: ref, IsSecretRef: true, Found: false}, nil
}

// Description is the result of DescribeSecret.
type Description struct {
	Reference   string
	IsSecretRef bool
	Backend     string
	Found       bool
}

// secretName extracts "name" from "{name}", reporting false when ref is
// not a brace-wrapped reference at all.
func secretName(ref string) (string, bool) {
	trimmed := strings.TrimSpace(ref)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return "", false
	}
	name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	if name == "" {
		return "", false
	}
	return name, true
}
