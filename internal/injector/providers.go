package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/islands/internal/config"
	"github.com/zeusync/islands/internal/core/access"
	"github.com/zeusync/islands/internal/core/dbuf"
	"github.com/zeusync/islands/internal/core/depgraph"
	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/hazard"
	"github.com/zeusync/islands/internal/core/observability/log"
	"github.com/zeusync/islands/internal/core/runner"
	"github.com/zeusync/islands/internal/core/sim"
	"github.com/zeusync/islands/pkg/generic"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideCounter,
	ProvideReporter,
	ProvideClock,
	ProvideGraph,
	ProvideEnforcer,
	ProvideRunner,
	ProvideBytePool,
	ProvideStore,
	sim.New,
)

func ProvideLogger(cfg *config.Config) log.Log {
	return log.New(cfg.LogLevel(), cfg.Logging.Format)
}

func ProvideCounter() *hazard.Counter {
	return hazard.NewCounter()
}

// ProvideReporter logs every violation under the configured assert policy
// and counts it for the frame report.
func ProvideReporter(cfg *config.Config, logger log.Log, counter *hazard.Counter) hazard.Reporter {
	return hazard.Tee(hazard.NewLogReporter(logger, cfg.AssertPolicy()), counter)
}

func ProvideClock(cfg *config.Config) *entity.Clock {
	return entity.NewClock(cfg.Entities.Capacity)
}

func ProvideGraph(cfg *config.Config, logger log.Log, reporter hazard.Reporter) *depgraph.Graph {
	return depgraph.New(cfg.GraphOptions(), logger, reporter)
}

func ProvideEnforcer(cfg *config.Config, graph *depgraph.Graph, clock *entity.Clock, logger log.Log, reporter hazard.Reporter) *access.Enforcer {
	return access.New(cfg.AccessOptions(), graph, clock, logger, reporter)
}

func ProvideRunner(cfg *config.Config, graph *depgraph.Graph, logger log.Log) *runner.Runner {
	return runner.New(cfg.RunnerOptions(), graph, logger)
}

func ProvideBytePool() *generic.BytePool {
	return generic.NewBytePool()
}

func ProvideStore(cfg *config.Config, pool *generic.BytePool, logger log.Log) *dbuf.Store {
	return dbuf.New(cfg.Layout(), pool, logger)
}
