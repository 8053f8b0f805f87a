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
	"os"
	"strings"
)

// EnvStore resolves secrets from environment variables named
// "WORKFLOW_SECRET_<UPPER_SNAKE_NAME>". This is the production backend:
// it carries no external dependency and fits a container-orchestrated
// deployment where secrets are injected as environment variables.
type EnvStore struct {
	prefix string
}

// NewEnvStore constructs an EnvStore. prefix defaults to
// "WORKFLOW_SECRET_" when empty.
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = "WORKFLOW_SECRET_"
	}
	return &EnvStore{prefix: prefix}
}

// Name implements Backend.
func (e *EnvStore) Name() string { return "env" }

// Available implements Backend; env vars are always reachable.
func (e *EnvStore) Available() bool { return true }

// Get implements Backend.
func (e *EnvStore) Get(ctx context.Context, key string) (string, error) {
	envKey := e.prefix + envName(key)
	value, ok := os.LookupEnv(envKey)
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func envName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
