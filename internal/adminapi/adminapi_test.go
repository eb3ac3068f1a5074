package adminapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wadesk/config"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/inbox"
	"github.com/talkincode/wadesk/internal/jobs"
	"github.com/talkincode/wadesk/internal/queue"
	"github.com/talkincode/wadesk/internal/webserver"
	"github.com/talkincode/wadesk/internal/whatsapp"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const secret = "adminapi-test-secret"

type call struct {
	op, tenant, instance string
	logout               bool
}

type fakeSessions struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeSessions) Connect(ctx context.Context, tenantID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "connect", tenant: tenantID, instance: instanceID})
	return f.err
}

func (f *fakeSessions) Disconnect(ctx context.Context, tenantID, instanceID string, logout bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "disconnect", tenant: tenantID, instance: instanceID, logout: logout})
	return f.err
}

func (f *fakeSessions) Statuses(tenantID string) []whatsapp.InstanceStatus {
	return []whatsapp.InstanceStatus{{InstanceID: "i1", Status: domain.InstanceConnected, PhoneNumber: "5511999999999"}}
}

type fixture struct {
	db       *gorm.DB
	store    *queue.Store
	sessions *fakeSessions
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	store, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, db.Create(&domain.WhatsAppInstance{ID: "i1", TenantID: "t1", InstanceName: "support", IsActive: true}).Error)
	require.NoError(t, db.Create(&domain.Contact{ID: "c1", TenantID: "t1", WaID: "5511999999999@s.whatsapp.net", Phone: "5511999999999"}).Error)
	require.NoError(t, db.Create(&domain.Conversation{ID: "conv1", TenantID: "t1", InstanceID: "i1", ContactID: "c1"}).Error)

	sessions := &fakeSessions{}
	srv := webserver.NewAdminServer(config.WebConfig{JwtSecret: secret})
	New(db, sessions, inbox.NewLockService(db), store, 3).Register(srv)
	ts := httptest.NewServer(srv.Root())
	t.Cleanup(ts.Close)
	return &fixture{db: db, store: store, sessions: sessions, server: ts}
}

func (f *fixture) do(t *testing.T, method, path, user, tenant, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		token, err := webserver.IssueToken(secret, webserver.Claims{UserID: user, TenantID: tenant, Role: "agent"}, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = jsoniter.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestInstances(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodGet, "/api/v1/whatsapp/instances", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := f.do(t, http.MethodGet, "/api/v1/whatsapp/instances", "u1", "t1", "")
	assert.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Len(t, data["instances"], 1)

	status, _ = f.do(t, http.MethodPost, "/api/v1/whatsapp/instances/i1/connect", "u1", "t1", "")
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/whatsapp/instances/i1/disconnect?logout=true", "u1", "t1", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/whatsapp/instances/i1/connect", "u9", "t2", "")
	assert.Equal(t, http.StatusNotFound, status, "other tenants cannot touch the instance")

	assert.Equal(t, []call{
		{op: "connect", tenant: "t1", instance: "i1"},
		{op: "disconnect", tenant: "t1", instance: "i1", logout: true},
	}, f.sessions.calls)
}

func TestSendMessageQueuesJob(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/conversations/conv1/messages", "u1", "t1", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, status, body)

	var msg domain.Message
	require.NoError(t, f.db.Where("conversation_id = ?", "conv1").First(&msg).Error)
	assert.Equal(t, domain.MessageQueued, msg.Status)
	assert.Equal(t, domain.DirectionOutbound, msg.Direction)
	assert.Equal(t, "u1", msg.SentBy)

	job, err := f.store.Dequeue(jobs.QueueSend, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.MaxAttempts)
	var oj jobs.OutboundJob
	require.NoError(t, job.Decode(&oj))
	assert.Equal(t, "5511999999999@s.whatsapp.net", oj.Recipient)
	assert.Equal(t, "hello", oj.Text)
	assert.Equal(t, msg.ID, oj.MessageID)

	status, _ = f.do(t, http.MethodPost, "/api/v1/conversations/conv1/messages", "u1", "t1", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAssignAndResolve(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/v1/conversations/conv1/assign", "agentA", "t1", `{}`)
	require.Equal(t, http.StatusOK, status)
	status, body := f.do(t, http.MethodPost, "/api/v1/conversations/conv1/assign", "agentB", "t1", `{}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "LOCK_HELD", body["error"])

	status, _ = f.do(t, http.MethodPost, "/api/v1/conversations/conv1/messages", "agentB", "t1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusConflict, status, "only the holder may reply")

	status, _ = f.do(t, http.MethodPost, "/api/v1/conversations/conv1/resolve", "agentA", "t1", "")
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/conversations/conv1/assign", "agentB", "t1", `{}`)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/conversations/missing/assign", "agentB", "t1", `{}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
