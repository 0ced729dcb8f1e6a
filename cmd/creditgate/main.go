package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditgate/internal/allocator"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	"github.com/smallbiznis/creditgate/internal/credits"
	"github.com/smallbiznis/creditgate/internal/identity"
	"github.com/smallbiznis/creditgate/internal/migration"
	"github.com/smallbiznis/creditgate/internal/observability"
	"github.com/smallbiznis/creditgate/internal/plan"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	"github.com/smallbiznis/creditgate/internal/reporter"
	"github.com/smallbiznis/creditgate/internal/responder"
	"github.com/smallbiznis/creditgate/internal/server"
	"github.com/smallbiznis/creditgate/internal/usageevent"
	"github.com/smallbiznis/creditgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		migration.Module,

		// Domains
		plan.Module,
		credits.Module,
		usageevent.Module,
		identity.Module,
		responder.Module,

		// Background loops
		allocator.Module,
		reporter.Module,

		// HTTP surface
		server.Module,
	)

	app.Run()
}

// RegisterSnowflake provides the shared ID generator.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
