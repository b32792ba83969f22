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
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		credit.Module,
		settlement.Module,
		jobrunner.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
