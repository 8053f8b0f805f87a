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

package serviceregistry

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config is a service's client-credentials grant configuration.
// FetchFromService dispatches through the *http.Client this builds
// instead of the Registry's shared client whenever a Service carries
// one, so the outbound request always has a fresh bearer token attached.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// httpClient returns an oauth2 transport-wrapped client, or nil for a
// zero-value OAuth2Config.
func (c *OAuth2Config) httpClient(ctx context.Context) *http.Client {
	if c == nil || c.TokenURL == "" {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
	return cc.Client(ctx)
}
