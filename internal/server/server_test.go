package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	creditsservice "github.com/smallbiznis/creditgate/internal/credits/service"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	identityservice "github.com/smallbiznis/creditgate/internal/identity/service"
	obsmiddleware "github.com/smallbiznis/creditgate/internal/observability/logger"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	planservice "github.com/smallbiznis/creditgate/internal/plan/service"
	"github.com/smallbiznis/creditgate/internal/responder"
	usagedomain "github.com/smallbiznis/creditgate/internal/usageevent/domain"
	usageservice "github.com/smallbiznis/creditgate/internal/usageevent/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAdminToken = "admin-secret"

type serverFixture struct {
	server  *Server
	conn    *gorm.DB
	credits creditsdomain.Service
	rawKey  string
	userID  string
}

func setupServerTest(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&creditsdomain.CreditBalance{},
		&creditsdomain.CreditLedgerEntry{},
		&plandomain.UserPlan{},
		&usagedomain.UsageEvent{},
		&identitydomain.APIKey{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))

	cfg := config.Config{
		DBType:     "sqlite",
		UpgradeURL: "/pricing",
		AdminToken: testAdminToken,
	}

	plans := planservice.NewService(planservice.Params{DB: conn, Log: logger})
	credits := creditsservice.NewService(creditsservice.Params{
		DB:      conn,
		Log:     logger,
		GenID:   node,
		PlanSvc: plans,
	})
	usage := usageservice.NewService(usageservice.Params{DB: conn, Log: logger, GenID: node, Clock: fake})
	identity := identityservice.NewService(identityservice.Params{DB: conn, Log: logger, GenID: node, Clock: fake})

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Log:             logger,
		ErrorClassifier: classifyErrorForLog,
	}))
	engine.Use(ErrorHandlingMiddleware(cfg.UpgradeURL))

	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		DB:          conn,
		Log:         logger,
		GenID:       node,
		IdentitySvc: identity,
		CreditsSvc:  credits,
		PlanSvc:     plans,
		UsageSvc:    usage,
		Responder:   responder.New(),
	})

	created, err := identity.CreateKey(context.Background(), identitydomain.CreateKeyRequest{
		UserID: "user-1",
		Name:   "test",
	})
	require.NoError(t, err)

	return &serverFixture{
		server:  srv,
		conn:    conn,
		credits: credits,
		rawKey:  created.RawKey,
		userID:  "user-1",
	}
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.requestWithHeaders(t, method, path, token, body, nil)
}

func (f *serverFixture) requestWithHeaders(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestChat_ConsumesOneCredit(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodPost, "/v1/chat", f.rawKey, gin.H{"prompt": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Response         string `json:"response"`
		CreditsRemaining int64  `json:"credits_remaining"`
	}
	decodeJSON(t, rec, &resp)
	assert.NotEmpty(t, resp.Response)
	assert.Equal(t, int64(999), resp.CreditsRemaining)

	// The successful debit records a usage event for the aggregator.
	var events int64
	require.NoError(t, f.conn.Model(&usagedomain.UsageEvent{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestChat_RepeatedRequestIDHeaderChargesEveryCall(t *testing.T) {
	f := setupServerTest(t)

	// X-Request-Id is a correlation hint under the caller's control. A
	// resent value must not replay the debit and turn into free usage.
	headers := map[string]string{"X-Request-Id": "attacker-fixed-id"}
	for i := 1; i <= 5; i++ {
		rec := f.requestWithHeaders(t, http.MethodPost, "/v1/chat", f.rawKey, gin.H{"prompt": "hello"}, headers)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp struct {
			CreditsRemaining int64 `json:"credits_remaining"`
		}
		decodeJSON(t, rec, &resp)
		assert.Equal(t, int64(1000-i), resp.CreditsRemaining)
	}

	var consumptions int64
	require.NoError(t, f.conn.Model(&creditsdomain.CreditLedgerEntry{}).
		Where("user_id = ? AND transaction_type = ?", f.userID, creditsdomain.TransactionTypeConsumption).
		Count(&consumptions).Error)
	assert.Equal(t, int64(5), consumptions)

	var events int64
	require.NoError(t, f.conn.Model(&usagedomain.UsageEvent{}).Count(&events).Error)
	assert.Equal(t, int64(5), events)
}

func TestChat_Unauthorized(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodPost, "/v1/chat", "", gin.H{"prompt": "hello"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "unauthorized", resp.Error.Type)

	rec = f.request(t, http.MethodPost, "/v1/chat", "cg_bogus", gin.H{"prompt": "hello"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_PaymentRequiredWhenExhausted(t *testing.T) {
	f := setupServerTest(t)

	_, err := f.credits.Consume(context.Background(), creditsdomain.ConsumeRequest{
		UserID: f.userID,
		Key:    plandomain.FeatureAIChat,
		Amount: 1000,
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/v1/chat", f.rawKey, gin.H{"prompt": "hello"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		UpgradeURL string `json:"upgradeUrl"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "insufficient_credits", resp.Error)
	assert.NotEmpty(t, resp.Message)
	assert.Equal(t, "/pricing", resp.UpgradeURL)

	// Denial must not record usage.
	var events int64
	require.NoError(t, f.conn.Model(&usagedomain.UsageEvent{}).Count(&events).Error)
	assert.Equal(t, int64(0), events)
}

func TestCompletion_UsesSeparateBucket(t *testing.T) {
	f := setupServerTest(t)

	_, err := f.credits.Consume(context.Background(), creditsdomain.ConsumeRequest{
		UserID: f.userID,
		Key:    plandomain.FeatureAIChat,
		Amount: 1000,
	})
	require.NoError(t, err)

	// AI chat is exhausted but tab completion has its own allocation.
	rec := f.request(t, http.MethodPost, "/v1/completion", f.rawKey, gin.H{"snippet": "func main() {"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Completion       string `json:"completion"`
		CreditsRemaining int64  `json:"credits_remaining"`
	}
	decodeJSON(t, rec, &resp)
	assert.NotEmpty(t, resp.Completion)
	assert.Equal(t, int64(999), resp.CreditsRemaining)
}

func TestChat_InvalidBody(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodPost, "/v1/chat", f.rawKey, gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCredits(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodGet, "/v1/credits", f.rawKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UserID  string `json:"user_id"`
		PlanID  string `json:"plan_id"`
		Credits []struct {
			Key        string `json:"key"`
			Balance    int64  `json:"balance"`
			Allocation int64  `json:"allocation"`
		} `json:"credits"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, f.userID, resp.UserID)
	assert.Equal(t, plandomain.PlanFree, resp.PlanID)
	require.Len(t, resp.Credits, 2)
	for _, entry := range resp.Credits {
		assert.Equal(t, int64(1000), entry.Balance)
		assert.Equal(t, int64(1000), entry.Allocation)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodPost, "/v1/chat", f.rawKey, gin.H{"prompt": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, fmt.Sprintf("/v1/credits/%s/ledger", plandomain.FeatureAIChat), f.rawKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []struct {
			TransactionType string `json:"transaction_type"`
			Amount          int64  `json:"amount"`
		} `json:"entries"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "consumption", resp.Entries[0].TransactionType)
	assert.Equal(t, int64(-1), resp.Entries[0].Amount)
}

func TestSubscriptionUpgrade(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodGet, "/v1/subscription", f.rawKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sub struct {
		Plan struct {
			ID string `json:"id"`
		} `json:"plan"`
	}
	decodeJSON(t, rec, &sub)
	assert.Equal(t, plandomain.PlanFree, sub.Plan.ID)

	rec = f.request(t, http.MethodPost, "/v1/subscription", f.rawKey, gin.H{"plan_id": "pro"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.request(t, http.MethodGet, fmt.Sprintf("/v1/credits/%s", plandomain.FeatureAIChat), f.rawKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var credit struct {
		Balance    int64 `json:"balance"`
		Allocation int64 `json:"allocation"`
	}
	decodeJSON(t, rec, &credit)
	assert.Equal(t, int64(10000), credit.Allocation)
	assert.GreaterOrEqual(t, credit.Balance, int64(10000))

	rec = f.request(t, http.MethodPost, "/v1/subscription", f.rawKey, gin.H{"plan_id": "enterprise"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionToggleDoesNotFarmCredits(t *testing.T) {
	f := setupServerTest(t)

	balance := func() int64 {
		rec := f.request(t, http.MethodGet, fmt.Sprintf("/v1/credits/%s", plandomain.FeatureAIChat), f.rawKey, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var credit struct {
			Balance int64 `json:"balance"`
		}
		decodeJSON(t, rec, &credit)
		return credit.Balance
	}

	rec := f.request(t, http.MethodPost, "/v1/subscription", f.rawKey, gin.H{"plan_id": "pro"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	afterUpgrade := balance()

	rec = f.request(t, http.MethodPost, "/v1/subscription", f.rawKey, gin.H{"plan_id": "free"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	afterDowngrade := balance()

	// Toggling back within the same month replays the earlier grant
	// instead of handing out another 10000 credits.
	rec = f.request(t, http.MethodPost, "/v1/subscription", f.rawKey, gin.H{"plan_id": "pro"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, afterDowngrade, balance())

	// The downgrade granted at most the free allocation on top.
	assert.LessOrEqual(t, afterDowngrade-afterUpgrade, int64(1000))
}

func TestPlansIsPublic(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodGet, "/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Plans []plandomain.Plan `json:"plans"`
	}
	decodeJSON(t, rec, &resp)
	assert.Len(t, resp.Plans, 2)
}

func TestAdminAllocate(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodPost, "/admin/allocate", testAdminToken, gin.H{
		"user_id": f.userID,
		"key":     plandomain.FeatureAIChat,
		"amount":  500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Balance int64 `json:"balance"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, int64(1500), resp.Balance)

	// Wrong token is rejected.
	rec = f.request(t, http.MethodPost, "/admin/allocate", "wrong", gin.H{
		"user_id": f.userID,
		"key":     plandomain.FeatureAIChat,
		"amount":  500,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminNuke_DisabledByDefault(t *testing.T) {
	f := setupServerTest(t)

	rec := f.request(t, http.MethodPost, "/admin/nuke", testAdminToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
