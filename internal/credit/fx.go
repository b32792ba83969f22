package credit

import (
	"github.com/voxlane/voxlane/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(service.NewService),
)
