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
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	intlog "github.com/tombee/workflow-core/internal/log"
)

// AWSIdentityChecker probes a set of IAM-authenticated services' health
// by calling STS GetCallerIdentity: a cheap, side-effect-free request
// that only succeeds when the process's AWS credentials are still
// valid, standing in for "can this node still reach services behind
// this account's IAM" the way a plain TCP/HTTP ping can't. Grounded on
// the health-check-loop shape SetStatus was already built for — this is
// its first real caller beyond tests.
type AWSIdentityChecker struct {
	Registry *Registry
	Services []string // slugs to mark by this checker's result
	Interval time.Duration
	Logger   *slog.Logger

	stopCh chan struct{}
}

// NewAWSIdentityChecker constructs a checker against region (or the
// SDK's default region resolution when region is empty).
func NewAWSIdentityChecker(ctx context.Context, region string, registry *Registry, services []string, interval time.Duration, logger *slog.Logger) (*AWSIdentityChecker, *sts.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	client := sts.NewFromConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSIdentityChecker{
		Registry: registry,
		Services: services,
		Interval: interval,
		Logger:   intlog.WithComponent(logger, "serviceregistry.aws"),
		stopCh:   make(chan struct{}),
	}, client, nil
}

// Run polls GetCallerIdentity every Interval until ctx is canceled or
// Stop is called, marking every service in Services healthy on success
// and unreachable on failure.
func (c *AWSIdentityChecker) Run(ctx context.Context, client *sts.Client) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	c.check(ctx, client)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.check(ctx, client)
		}
	}
}

// Stop ends the polling loop.
func (c *AWSIdentityChecker) Stop() { close(c.stopCh) }

func (c *AWSIdentityChecker) check(ctx context.Context, client *sts.Client) {
	_, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	status := HealthHealthy
	if err != nil {
		status = HealthUnreachable
		c.Logger.Warn("aws identity check failed", slog.Any("error", err))
	}
	for _, slug := range c.Services {
		c.Registry.SetStatus(slug, status)
	}
}
