package cli

import (
	"context"
	"fmt"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/buildservice/codebuild"
	"github.com/majorcontext/buildfleet/internal/buildservice/docker"
	"github.com/majorcontext/buildfleet/internal/config"
)

// backends hands out one build-service client per distinct backend,
// region and role, so clouds that share an account share a client.
type backends struct {
	codebuild map[codebuild.Options]*codebuild.Client
	docker    *docker.Client
}

func newBackends() *backends {
	return &backends{codebuild: make(map[codebuild.Options]*codebuild.Client)}
}

func (b *backends) client(ctx context.Context, cfg config.CloudConfig) (buildservice.Client, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		if b.docker == nil {
			c, err := docker.NewClient()
			if err != nil {
				return nil, fmt.Errorf("cloud %s: %w", cfg.Name, err)
			}
			if err := c.Ping(ctx); err != nil {
				c.Close()
				return nil, fmt.Errorf("cloud %s: docker unreachable: %w", cfg.Name, err)
			}
			b.docker = c
		}
		return b.docker, nil
	default:
		opts := codebuild.Options{Region: cfg.Region, RoleARN: cfg.CredentialID}
		if c, ok := b.codebuild[opts]; ok {
			return c, nil
		}
		c, err := codebuild.New(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("cloud %s: %w", cfg.Name, err)
		}
		b.codebuild[opts] = c
		return c, nil
	}
}

func (b *backends) Close() {
	if b.docker != nil {
		b.docker.Close()
	}
}
