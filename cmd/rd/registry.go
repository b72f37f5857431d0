package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
	"github.com/iworkr/aiva.io-sub003/internal/provider/discord"
	"github.com/iworkr/aiva.io-sub003/internal/provider/email"
	"github.com/iworkr/aiva.io-sub003/internal/provider/github"
	"github.com/iworkr/aiva.io-sub003/internal/provider/slack"
)

// buildRegistry constructs an adapter for every provider that has at least
// one configured connection.
func buildRegistry(p config.ProvidersConfig, logger *zap.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	if len(p.Slack) > 0 {
		a, err := slack.New(slack.AdapterOpts{Connections: p.Slack, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("slack adapter: %w", err)
		}
		reg.Register(a)
	}
	if len(p.Discord) > 0 {
		a, err := discord.New(discord.AdapterOpts{Connections: p.Discord, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("discord adapter: %w", err)
		}
		reg.Register(a)
	}
	if len(p.Email) > 0 {
		a, err := email.New(email.AdapterOpts{Connections: p.Email, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("email adapter: %w", err)
		}
		reg.Register(a)
	}
	if len(p.GitHub) > 0 {
		a, err := github.New(github.AdapterOpts{Connections: p.GitHub, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("github adapter: %w", err)
		}
		reg.Register(a)
	}
	return reg, nil
}
