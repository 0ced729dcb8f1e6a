package usageevent

import (
	"github.com/smallbiznis/creditgate/internal/usageevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usageevent.service",
	fx.Provide(service.NewService),
)
