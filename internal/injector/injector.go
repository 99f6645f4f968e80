//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/islands/internal/config"
	"github.com/zeusync/islands/internal/core/sim"
)

func InitializeWorld(cfg *config.Config) *sim.World {
	wire.Build(ProviderSet)
	return nil
}
