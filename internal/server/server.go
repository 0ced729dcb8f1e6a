package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditgate/internal/config"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	"github.com/smallbiznis/creditgate/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditgate/internal/observability/tracing"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	"github.com/smallbiznis/creditgate/internal/responder"
	usagedomain "github.com/smallbiznis/creditgate/internal/usageevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Log:             log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware(cfg.UpgradeURL))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(cfg, obsCfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	identitySvc identitydomain.Service
	creditsSvc  creditsdomain.Service
	planSvc     plandomain.Service
	usageSvc    usagedomain.Service
	responder   *responder.Responder
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	IdentitySvc identitydomain.Service
	CreditsSvc  creditsdomain.Service
	PlanSvc     plandomain.Service
	UsageSvc    usagedomain.Service
	Responder   *responder.Responder
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		genID:       p.GenID,
		identitySvc: p.IdentitySvc,
		creditsSvc:  p.CreditsSvc,
		planSvc:     p.PlanSvc,
		usageSvc:    p.UsageSvc,
		responder:   p.Responder,
		obsMetrics:  p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/plans", s.ListPlans)

	authed := v1.Group("")
	authed.Use(s.AuthRequired())

	authed.POST("/chat", s.Chat)
	authed.POST("/completion", s.Completion)

	authed.GET("/credits", s.ListCredits)
	authed.GET("/credits/:key", s.GetCredits)
	authed.GET("/credits/:key/ledger", s.ListLedger)

	authed.GET("/subscription", s.GetSubscription)
	authed.POST("/subscription", s.ChangeSubscription)
}

func (s *Server) registerAdminRoutes() {
	if s.cfg.AdminToken == "" {
		s.log.Warn("admin token not configured, admin routes disabled")
		return
	}

	admin := s.engine.Group("/admin")
	admin.Use(s.AdminRequired())

	admin.POST("/allocate", s.AdminAllocate)
	admin.POST("/plan", s.AdminSetPlan)
	admin.POST("/keys", s.AdminCreateKey)
	admin.POST("/nuke", s.AdminNuke)
}
