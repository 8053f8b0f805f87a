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

import "strings"

// Masker replaces known secret values with "***" wherever they appear in
// a string, so resolved secrets never leak into logs or error messages.
type Masker struct {
	secrets map[string]bool
}

// NewMasker constructs an empty Masker.
func NewMasker() *Masker {
	return &Masker{secrets: make(map[string]bool)}
}

// AddSecret registers a resolved value to be masked on future calls.
func (m *Masker) AddSecret(value string) {
	if value != "" {
		m.secrets[value] = true
	}
}

// Mask replaces every registered secret value found in s with "***".
func (m *Masker) Mask(s string) string {
	result := s
	for secret := range m.secrets {
		if secret != "" && strings.Contains(result, secret) {
			result = strings.ReplaceAll(result, secret, "***")
		}
	}
	return result
}
