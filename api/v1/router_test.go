package v1_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "go_dbchange/api/v1"
	"go_dbchange/internal/artifact"
	"go_dbchange/internal/auth"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/config"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/logger"
	"go_dbchange/internal/model"
	"go_dbchange/internal/order/ordertest"
	"go_dbchange/internal/task"
)

type apiEnv struct {
	*ordertest.Env
	engine *gin.Engine
	router *v1.Router
	tokens *auth.TokenManager
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := ordertest.New(t)
	log := logger.Discard()
	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	cat := catalog.NewService(env.DB, env.Runner, log)
	tokens := auth.NewTokenManager("test-secret", "dbchange", time.Hour)

	engine := gin.New()
	router := v1.SetupRouter(engine, v1.Deps{
		DB:        env.DB,
		Tokens:    tokens,
		Orders:    env.Orders,
		Catalog:   cat,
		Generator: task.NewGenerator(env.Orders, log),
		Executor:  task.NewExecutor(env.Orders, cat, env.Runner, store, config.ExecutorConfig{ExportContinueOnError: true}, nil, log),
		Logger:    log,
	})
	return &apiEnv{Env: env, engine: engine, router: router, tokens: tokens}
}

func (a *apiEnv) token(t *testing.T, u model.User) string {
	t.Helper()
	tok, _, err := a.tokens.Issue(u.ID, u.Username, u.Role)
	require.NoError(t, err)
	return tok
}

// do sends a request and decodes the envelope; data is decoded into out when given
func (a *apiEnv) do(t *testing.T, method, path, token string, body any, out any) (int, httpx.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var raw struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), w.Body.String())
	if out != nil && raw.Code == httpx.CodeSuccess {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return w.Code, httpx.Response{Code: raw.Code, Message: raw.Message}
}

func TestLoginAndAuth(t *testing.T) {
	a := newAPI(t)

	var login struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	status, resp := a.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "secret"}, &login)
	require.Equal(t, http.StatusOK, status, resp.Message)
	assert.Equal(t, "alice", login.User.Username)
	assert.NotEmpty(t, login.Token)

	var me map[string]any
	status, _ = a.do(t, http.MethodGet, "/api/v1/me", login.Token, nil, &me)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", me["username"])

	status, resp = a.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, httpx.CodeUnauthorized, resp.Code)

	status, resp = a.do(t, http.MethodGet, "/api/v1/orders", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, httpx.CodeUnauthorized, resp.Code)

	status, resp = a.do(t, http.MethodGet, "/api/v1/orders", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, httpx.CodeInvalidToken, resp.Code)
}

func TestCatalogEndpoints(t *testing.T) {
	a := newAPI(t)
	tok := a.token(t, a.Catalog.Alice)

	var envs []model.Environment
	status, _ := a.do(t, http.MethodGet, "/api/v1/orders/environments", tok, nil, &envs)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, envs, 1)

	var instances []model.DBInstance
	status, _ = a.do(t, http.MethodGet, "/api/v1/orders/instances?environmentId="+strconv.Itoa(envs[0].ID), tok, nil, &instances)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, instances, 1)

	var schemas []model.DBSchema
	status, _ = a.do(t, http.MethodGet, "/api/v1/orders/schemas?instanceId="+strconv.Itoa(instances[0].ID), tok, nil, &schemas)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, schemas, 1)
	assert.Equal(t, "shop", schemas[0].Schema)

	status, resp := a.do(t, http.MethodGet, "/api/v1/orders/schemas?instanceId=abc", tok, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, httpx.CodeParamInvalid, resp.Code)
}

func TestOrderWorkflowOverHTTP(t *testing.T) {
	a := newAPI(t)
	alice := a.token(t, a.Catalog.Alice)
	bob := a.token(t, a.Catalog.Bob)
	carol := a.token(t, a.Catalog.Carol)
	dave := a.token(t, a.Catalog.Dave)

	sql := "UPDATE t SET a=1 WHERE id=1; UPDATE t SET a=2 WHERE id=2;"

	var check struct {
		Data   []map[string]any `json:"data"`
		Status int              `json:"status"`
	}
	status, _ := a.do(t, http.MethodPost, "/api/v1/orders/syntax-inspect", alice, gin.H{
		"sql":        sql,
		"instanceId": a.Catalog.Instance.ID,
		"dbType":     "mysql",
		"schemaName": "shop",
		"orderType":  "DML",
	}, &check)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, check.Data, 2)
	assert.Equal(t, 0, check.Status)

	status, resp := a.do(t, http.MethodPost, "/api/v1/orders/commit", alice, gin.H{
		"title":     "no reviewer",
		"sql":       sql,
		"orderType": "DML",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, httpx.CodeParamInvalid, resp.Code)

	req := a.Request(model.OrderTypeDML, sql)
	var created model.Order
	status, resp = a.do(t, http.MethodPost, "/api/v1/orders/commit", alice, req, &created)
	require.Equal(t, http.StatusOK, status, resp.Message)
	assert.Equal(t, model.OrderStatusPending, created.Status)
	a.router.Orders.Wait()

	id := strconv.Itoa(created.ID)
	var detail struct {
		Status model.OrderStatus `json:"status"`
		OpLogs []map[string]any  `json:"opLogs"`
	}
	status, _ = a.do(t, http.MethodGet, "/api/v1/orders/detail?orderId="+id, alice, nil, &detail)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.OrderStatusUnderReview, detail.Status, "inspection gate runs after commit")

	status, resp = a.do(t, http.MethodPost, "/api/v1/orders/approve", bob, gin.H{"orderId": created.ID}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, httpx.CodeForbidden, resp.Code)

	status, _ = a.do(t, http.MethodPost, "/api/v1/orders/feedback", dave, gin.H{"orderId": created.ID, "comment": "looks fine"}, nil)
	assert.Equal(t, http.StatusOK, status)

	var o model.Order
	status, _ = a.do(t, http.MethodPost, "/api/v1/orders/review", bob, gin.H{"orderId": created.ID, "approved": true}, &o)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.OrderStatusUnderReview, o.Status)
	status, _ = a.do(t, http.MethodPost, "/api/v1/orders/approve", carol, gin.H{"orderId": created.ID}, &o)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.OrderStatusApproved, o.Status)

	var preview task.Preview
	status, _ = a.do(t, http.MethodGet, "/api/v1/orders/tasks/preview?orderId="+id, alice, nil, &preview)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, preview.TotalCount)

	var tasks []model.OrderTask
	status, resp = a.do(t, http.MethodPost, "/api/v1/orders/tasks/generate", alice, gin.H{"orderId": created.ID}, &tasks)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, tasks, 2)
	assert.Equal(t, "2 tasks generated", resp.Message)

	status, resp = a.do(t, http.MethodPost, "/api/v1/orders/tasks/generate", alice, gin.H{"orderId": created.ID}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, httpx.CodeAlreadyGenerated, resp.Code)

	status, resp = a.do(t, http.MethodPost, "/api/v1/orders/tasks/execute/single", alice, gin.H{"taskId": tasks[1].ID}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, httpx.CodeOutOfOrder, resp.Code)

	var single task.Result
	status, _ = a.do(t, http.MethodPost, "/api/v1/orders/tasks/execute/single", alice, gin.H{"taskId": tasks[0].ID}, &single)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, single.Success)

	var all task.RunResult
	status, resp = a.do(t, http.MethodPost, "/api/v1/orders/tasks/execute/all", alice, gin.H{"orderId": created.ID}, &all)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, all.Success)
	assert.Equal(t, all.Message, resp.Message)
	assert.Equal(t, "1 tasks run, 0 failed", resp.Message)
	assert.Equal(t, model.OrderStatusDone, all.OrderStatus)

	var logs []model.OrderOpLog
	status, _ = a.do(t, http.MethodGet, "/api/v1/orders/oplogs?orderId="+id, alice, nil, &logs)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.OrderStatusDone, logs[len(logs)-1].ToStatus)

	var page httpx.PageData
	status, _ = a.do(t, http.MethodGet, "/api/v1/orders?current=1&size=10&onlyMine=true", alice, nil, &page)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 10, page.Size)

	status, _ = a.do(t, http.MethodPost, "/api/v1/orders/close", alice, gin.H{"orderId": created.ID, "reason": "archived"}, &o)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.OrderStatusClosed, o.Status)
	status, resp = a.do(t, http.MethodPost, "/api/v1/orders/close", alice, gin.H{"orderId": created.ID}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, httpx.CodeStateConflict, resp.Code)
}

func TestDownloadOverHTTP(t *testing.T) {
	a := newAPI(t)
	a.Runner.ExportRows = [][]string{{"id"}, {"7"}}
	o := a.Approved(t, model.OrderTypeExport, "SELECT id FROM users;")
	alice := a.token(t, a.Catalog.Alice)

	var tasks []model.OrderTask
	status, _ := a.do(t, http.MethodPost, "/api/v1/orders/tasks/generate", alice, gin.H{"orderId": o.ID}, &tasks)
	require.Equal(t, http.StatusOK, status)
	var all task.RunResult
	status, _ = a.do(t, http.MethodPost, "/api/v1/orders/tasks/execute/all", alice, gin.H{"orderId": o.ID}, &all)
	require.Equal(t, http.StatusOK, status)
	require.True(t, all.Success)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/download?taskId="+strconv.Itoa(tasks[0].ID), nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "id\n7\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "task-1.csv")
}
