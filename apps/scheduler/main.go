// Settlement-only binary: runs the daily renewal and auto-refill batches on
// a cron schedule. No queue worker.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/voxlane/voxlane/internal/clock"
	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/internal/credit"
	"github.com/voxlane/voxlane/internal/jobrunner"
	"github.com/voxlane/voxlane/internal/logger"
	"github.com/voxlane/voxlane/internal/migration"
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
		migration.Module,

		credit.Module,
		settlement.Module,
		jobrunner.Module,
	)
	app.Run()
}

func loadConfig() config.Config {
	cfg := config.Load()
	cfg.SettlementEnabled = true
	cfg.WorkerEnabled = false
	return cfg
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
