package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	accountusecase "inboxpilot-backend/internal/account/usecase"
	notificationdomain "inboxpilot-backend/internal/notification/domain"
	notificationrepo "inboxpilot-backend/internal/notification/repository"
	"inboxpilot-backend/internal/worker"
	"inboxpilot-backend/pkg/ai"
	"inboxpilot-backend/pkg/database"
	"inboxpilot-backend/pkg/provider"
	"inboxpilot-backend/pkg/provider/providertest"
	"inboxpilot-backend/pkg/queue"
	"inboxpilot-backend/pkg/utils/crypto"
)

type fakePipeline struct {
	connected []string
	synced    []string
	trained   []string
	err       error
}

func (f *fakePipeline) ConnectAccount(ctx context.Context, tenantID, accountID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.connected = append(f.connected, tenantID+"/"+accountID)
	return "history:" + accountID + ":1", nil
}

func (f *fakePipeline) ManualSync(ctx context.Context, tenantID, accountID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.synced = append(f.synced, tenantID+"/"+accountID)
	return "sync:" + accountID + ":1", nil
}

func (f *fakePipeline) TriggerTraining(ctx context.Context, tenantID, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.trained = append(f.trained, tenantID+"/"+userID)
	return "style:" + userID + ":1", nil
}

func (f *fakePipeline) DisconnectAccount(ctx context.Context, tenantID, accountID string) error {
	return f.err
}

func (f *fakePipeline) QueueStats() (map[string]queue.QueueStats, error) {
	return map[string]queue.QueueStats{worker.QueueEmailSync: {Waiting: 2, Completed: 5}}, nil
}

type staticClient struct{ up bool }

func (s staticClient) Generate(ctx context.Context, req ai.Request) (*ai.Response, error) {
	return &ai.Response{Content: "{}"}, nil
}
func (s staticClient) IsAvailable(ctx context.Context) bool { return s.up }
func (s staticClient) Model() string                        { return "llama3" }

type testServer struct {
	router   http.Handler
	pipeline *fakePipeline
	accounts accountrepo.AccountRepository
	devices  notificationrepo.DeviceTokenRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := database.OpenTestDB(t, &accountdomain.Account{}, &notificationdomain.DeviceToken{})
	accounts := accountrepo.NewAccountRepository(db)
	registry := provider.NewRegistry(providertest.New(provider.KindGmail, "Owner@Example.com"))
	enc, err := crypto.NewEncryptor("handler-test-key")
	if err != nil {
		t.Fatal(err)
	}
	vault := accountusecase.NewCredentialVault(accounts, registry, enc)
	devices := notificationrepo.NewDeviceTokenRepository(db)
	pipeline := &fakePipeline{}

	settings := NewSettingsHandler(ai.NewRuntimeSettings("http://localhost:11434", "llama3"), staticClient{up: true})
	h := NewHandler(pipeline, accountusecase.NewAccountUsecase(accounts, registry, vault), devices, nil, nil, settings)
	return &testServer{router: h.Router(), pipeline: pipeline, accounts: accounts, devices: devices}
}

func (s *testServer) do(method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestTenantHeaderRequired(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(http.MethodPost, "/api/accounts/a1/sync", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(s.pipeline.synced) != 0 {
		t.Error("unscoped request reached the pipeline")
	}
	if w := s.do(http.MethodGet, "/api/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

func TestConnectAccountStartsIngestion(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/api/users/u1/accounts", "org-1", map[string]string{"provider": "gmail", "code": "abc"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	acc := out["account"].(map[string]interface{})
	if acc["email_address"] != "owner@example.com" {
		t.Errorf("email = %v", acc["email_address"])
	}
	if len(s.pipeline.connected) != 1 || s.pipeline.connected[0] != "org-1/"+acc["id"].(string) {
		t.Errorf("pipeline calls = %v", s.pipeline.connected)
	}
	if out["job"] == "" {
		t.Error("response carries no job key")
	}

	w = s.do(http.MethodGet, "/api/users/u1/accounts", "org-1", nil)
	if got := decode(t, w)["accounts"].([]interface{}); len(got) != 1 {
		t.Errorf("listed %d accounts", len(got))
	}
	w = s.do(http.MethodGet, "/api/users/u1/accounts", "org-2", nil)
	if got, _ := decode(t, w)["accounts"].([]interface{}); len(got) != 0 {
		t.Errorf("another tenant sees %d accounts", len(got))
	}
}

func TestConnectAccountValidatesBody(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/api/users/u1/accounts", "org-1", map[string]string{"provider": "gmail"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTrainingStatusIsTenantScoped(t *testing.T) {
	s := newTestServer(t)
	acc := &accountdomain.Account{TenantID: "org-1", UserID: "u1", Provider: provider.KindGmail, EmailAddress: "a@example.com"}
	if err := s.accounts.Create(acc); err != nil {
		t.Fatal(err)
	}

	w := s.do(http.MethodGet, "/api/accounts/"+acc.ID+"/training-status", "org-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w)["training_status"]; got != "pending" {
		t.Errorf("training_status = %v", got)
	}
	if w := s.do(http.MethodGet, "/api/accounts/"+acc.ID+"/training-status", "org-2", nil); w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", w.Code)
	}
}

func TestPipelineErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{accountdomain.ErrAccountNotFound, http.StatusNotFound},
		{worker.ErrAccountInactive, http.StatusConflict},
		{&accountdomain.CredentialExpiredError{AccountID: "a1"}, http.StatusUnauthorized},
		{provider.NewStatusError(provider.KindOutlook, "list", 503, "down"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		s := newTestServer(t)
		s.pipeline.err = tc.err
		if w := s.do(http.MethodPost, "/api/accounts/a1/sync", "org-1", nil); w.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestSchedulingEndpointsAccept(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(http.MethodPost, "/api/accounts/a1/sync", "org-1", nil); w.Code != http.StatusAccepted {
		t.Errorf("sync status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/users/u1/training", "org-1", nil); w.Code != http.StatusAccepted {
		t.Errorf("training status = %d", w.Code)
	}
	if w := s.do(http.MethodDelete, "/api/accounts/a1", "org-1", nil); w.Code != http.StatusNoContent {
		t.Errorf("disconnect status = %d", w.Code)
	}
	if s.pipeline.synced[0] != "org-1/a1" || s.pipeline.trained[0] != "org-1/u1" {
		t.Errorf("pipeline saw %v %v", s.pipeline.synced, s.pipeline.trained)
	}
}

func TestQueueStatsAndDevices(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/api/queues/stats", "", nil)
	queues := decode(t, w)["queues"].(map[string]interface{})
	sync := queues[worker.QueueEmailSync].(map[string]interface{})
	if sync["waiting"] != float64(2) || sync["completed"] != float64(5) {
		t.Errorf("stats = %v", sync)
	}

	w = s.do(http.MethodPost, "/api/devices", "", map[string]string{"userId": "u1", "token": "tok-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d", w.Code)
	}
	tokens, err := s.devices.FindByUser("u1")
	if err != nil || len(tokens) != 1 {
		t.Fatalf("tokens = %v (%v)", tokens, err)
	}
}

func TestAISettings(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPut, "/api/settings/ai", "", map[string]string{"ollama_base_url": "http://gpu:11434", "ollama_model": "qwen2"})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	got := decode(t, s.do(http.MethodGet, "/api/settings/ai", "", nil))
	if got["ollama_base_url"] != "http://gpu:11434" || got["ollama_model"] != "qwen2" {
		t.Errorf("settings = %v", got)
	}

	w = s.do(http.MethodPost, "/api/settings/ai/test", "", nil)
	if w.Code != http.StatusOK || decode(t, w)["connected"] != true {
		t.Errorf("probe of configured backend = %d %s", w.Code, w.Body.String())
	}
}
