package reporter

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("reporter",
	fx.Provide(
		fx.Annotate(NewLoggingClient, fx.As(new(AggregatorClient))),
		New,
	),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, r *Reporter) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go r.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
