// Queue-worker binary: drains the redis renewal queue so renewals can be
// fanned out across worker replicas.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/voxlane/voxlane/internal/clock"
	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/internal/credit"
	"github.com/voxlane/voxlane/internal/jobrunner"
	"github.com/voxlane/voxlane/internal/logger"
	"github.com/voxlane/voxlane/internal/settlement"
	"github.com/voxlane/voxlane/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(loadConfig),
		logger.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,

		credit.Module,
		settlement.Module,
		jobrunner.Module,
	)
	app.Run()
}

func loadConfig() config.Config {
	cfg := config.Load()
	cfg.SettlementEnabled = false
	cfg.WorkerEnabled = true
	return cfg
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
