package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate validates the configuration using struct tags registered with
// the go-playground/validator library, then checks the rules that span
// several sections.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("config validation failed: store.path is required for the sqlite driver")
		}
	case "redis":
		if cfg.Store.Redis.URL == "" {
			return fmt.Errorf("config validation failed: store.redis.url is required for the redis driver")
		}
	}

	switch cfg.Publish.Driver {
	case "git":
		if cfg.Publish.Git.RepoDir == "" || cfg.Publish.Git.Remote == "" {
			return fmt.Errorf("config validation failed: publish.git.repo_dir and publish.git.remote are required for the git driver")
		}
	case "gitlab":
		g := cfg.Publish.GitLab
		if g.URL == "" || g.Token == "" || g.Project == "" || g.Branch == "" {
			return fmt.Errorf("config validation failed: publish.gitlab url, token, project and branch are required for the gitlab driver")
		}
	}

	return nil
}
