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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ActorTokenConfig configures validation of the optional signed actor
// token a service step's ServiceRequestSpec may assert when
// actorType=="service" (§6): the step executor attaches the token as a
// header, and the receiving service validates it came from this worker
// rather than trusting the caller's identity claim outright.
type ActorTokenConfig struct {
	Secret    []byte
	Issuer    string
	ClockSkew time.Duration
}

// ActorClaims identifies the workflow run/step asserting a service-step
// request's actor identity.
type ActorClaims struct {
	jwt.RegisteredClaims
	WorkflowRunID string `json:"workflowRunId,omitempty"`
	StepID        string `json:"stepId,omitempty"`
	ActorType     string `json:"actorType,omitempty"`
}

// IssueActorToken signs a short-lived token asserting the given run/step
// as the actor, for the executor to attach to a service-step request.
func IssueActorToken(cfg ActorTokenConfig, runID, stepID string, ttl time.Duration) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", fmt.Errorf("secretstore: actor token signing requires a secret")
	}
	now := time.Now()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		WorkflowRunID: runID,
		StepID:        stepID,
		ActorType:     "service",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ValidateActorToken parses and validates a token previously issued by
// IssueActorToken, returning the embedded claims.
func ValidateActorToken(tokenString string, cfg ActorTokenConfig) (*ActorClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("secretstore: actor token is empty")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("secretstore: actor token validation requires a secret")
	}

	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew))
	token, err := parser.ParseWithClaims(tokenString, &ActorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("secretstore: failed to parse actor token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("secretstore: actor token is invalid")
	}

	claims, ok := token.Claims.(*ActorClaims)
	if !ok {
		return nil, fmt.Errorf("secretstore: unexpected actor token claims type")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("secretstore: unexpected actor token issuer %q", claims.Issuer)
	}
	if claims.ActorType != "service" {
		return nil, fmt.Errorf("secretstore: actor token asserts unsupported actorType %q", claims.ActorType)
	}
	return claims, nil
}
