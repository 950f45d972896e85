package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/events"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/hub"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/users"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "tempo-auth"
	integrationAudience      = "tempo-api"
	jsonContentType          = "application/json"
)

type integrationStack struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
}

func newIntegrationStack(testContext *testing.T) *integrationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databaseName := strings.ReplaceAll(testContext.Name(), "/", "_")
	db, err := database.OpenSQLite("file:"+databaseName+"?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	store, err := events.NewStore(events.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	gate, err := events.NewGate(events.GateConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build gate: %v", err)
	}
	detector, err := events.NewDetector(events.DetectorConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build detector: %v", err)
	}
	notificationHub := hub.New(hub.Config{Logger: zap.NewNop()})
	coordinator, err := events.NewCoordinator(events.CoordinatorConfig{
		Database:   db,
		Store:      store,
		Gate:       gate,
		Detector:   detector,
		Notifier:   notificationHub,
		IDProvider: events.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build coordinator: %v", err)
	}
	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build identity service: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
		Audience:      integrationAudience,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: issuer,
		Coordinator:  coordinator,
		Store:        store,
		Gate:         gate,
		Hub:          notificationHub,
		Users:        identityService,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return &integrationStack{server: testServer, issuer: issuer}
}

func (s *integrationStack) token(testContext *testing.T, subject string) string {
	testContext.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), subject)
	if err != nil {
		testContext.Fatalf("failed to issue token for %s: %v", subject, err)
	}
	return token
}

func (s *integrationStack) request(testContext *testing.T, method, path, subject string, body any) (*http.Response, []byte) {
	testContext.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to marshal body: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.token(testContext, subject))
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	buffer := new(bytes.Buffer)
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		testContext.Fatalf("failed to read response: %v", err)
	}
	return response, buffer.Bytes()
}

func TestCollaborativeEditingFlow(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	// Alice creates an event.
	response, body := stack.request(testContext, http.MethodPost, "/events", "alice", map[string]any{
		"event": map[string]any{
			"title":   "quarterly planning",
			"start_s": 1780000000,
			"end_s":   1780003600,
		},
	})
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("create returned %d: %s", response.StatusCode, body)
	}
	var created struct {
		EventID       string `json:"event_id"`
		VersionNumber int64  `json:"version_number"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		testContext.Fatalf("failed to decode create response: %v", err)
	}
	if created.EventID == "" || created.VersionNumber != 1 {
		testContext.Fatalf("unexpected create response: %s", body)
	}
	eventPath := "/events/" + created.EventID

	// Bob cannot see it until alice shares.
	response, _ = stack.request(testContext, http.MethodGet, eventPath, "bob", nil)
	if response.StatusCode != http.StatusForbidden {
		testContext.Fatalf("unshared read returned %d", response.StatusCode)
	}
	response, body = stack.request(testContext, http.MethodPost, eventPath+"/share", "alice", map[string]any{
		"user_id": "bob",
		"role":    "editor",
	})
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("share returned %d: %s", response.StatusCode, body)
	}

	// Bob retitles the event.
	response, body = stack.request(testContext, http.MethodPut, eventPath, "bob", map[string]any{
		"expected_version": 1,
		"event": map[string]any{
			"title":   "quarterly planning (rescheduled)",
			"start_s": 1780000000,
			"end_s":   1780003600,
		},
	})
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("update returned %d: %s", response.StatusCode, body)
	}

	// A stale write from alice is rejected without advancing history.
	response, body = stack.request(testContext, http.MethodPut, eventPath, "alice", map[string]any{
		"expected_version": 1,
		"event": map[string]any{
			"title":   "stale",
			"start_s": 1780000000,
			"end_s":   1780003600,
		},
	})
	if response.StatusCode != http.StatusConflict {
		testContext.Fatalf("stale update returned %d: %s", response.StatusCode, body)
	}

	// The diff between the two versions names exactly the title.
	response, body = stack.request(testContext, http.MethodGet, eventPath+"/diff/1/2", "alice", nil)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("diff returned %d: %s", response.StatusCode, body)
	}
	var diffResponse struct {
		Diff map[string]struct {
			From any `json:"from"`
			To   any `json:"to"`
		} `json:"diff"`
	}
	if err := json.Unmarshal(body, &diffResponse); err != nil {
		testContext.Fatalf("failed to decode diff: %v", err)
	}
	if len(diffResponse.Diff) != 1 {
		testContext.Fatalf("unexpected diff: %s", body)
	}
	if _, ok := diffResponse.Diff["title"]; !ok {
		testContext.Fatalf("diff missing title change: %s", body)
	}

	// Alice rolls back to the original wording; history keeps every step.
	response, body = stack.request(testContext, http.MethodPost, eventPath+"/rollback/1", "alice", map[string]any{
		"expected_version": 2,
	})
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("rollback returned %d: %s", response.StatusCode, body)
	}

	response, body = stack.request(testContext, http.MethodGet, eventPath+"/changelog", "bob", nil)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("changelog returned %d: %s", response.StatusCode, body)
	}
	var changelogResponse struct {
		Changelog []struct {
			VersionNumber int64  `json:"version_number"`
			Kind          string `json:"kind"`
			AuthorID      string `json:"author_id"`
		} `json:"changelog"`
	}
	if err := json.Unmarshal(body, &changelogResponse); err != nil {
		testContext.Fatalf("failed to decode changelog: %v", err)
	}
	if len(changelogResponse.Changelog) != 3 {
		testContext.Fatalf("expected 3 changelog entries, got %s", body)
	}
	if changelogResponse.Changelog[2].Kind != "rollback" || changelogResponse.Changelog[2].AuthorID != "alice" {
		testContext.Fatalf("unexpected final entry: %s", body)
	}

	// The restored head matches version one.
	response, body = stack.request(testContext, http.MethodGet, eventPath+"/history/3", "bob", nil)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("history returned %d: %s", response.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("quarterly planning")) || bytes.Contains(body, []byte("(rescheduled)")) {
		testContext.Fatalf("restored version does not match the rollback target: %s", body)
	}
}

func TestConflictingScheduleRejectedEndToEnd(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	response, body := stack.request(testContext, http.MethodPost, "/events", "alice", map[string]any{
		"event": map[string]any{
			"title":   "standup",
			"start_s": 1780000000,
			"end_s":   1780003600,
		},
	})
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("create returned %d: %s", response.StatusCode, body)
	}

	response, body = stack.request(testContext, http.MethodPost, "/events", "alice", map[string]any{
		"event": map[string]any{
			"title":   "overlapping review",
			"start_s": 1780001800,
			"end_s":   1780005400,
		},
	})
	if response.StatusCode != http.StatusConflict {
		testContext.Fatalf("overlapping create returned %d: %s", response.StatusCode, body)
	}
	var conflictResponse struct {
		Error     string `json:"error"`
		Conflicts []struct {
			EventID       string `json:"event_id"`
			VersionNumber int64  `json:"version_number"`
		} `json:"conflicts"`
	}
	if err := json.Unmarshal(body, &conflictResponse); err != nil {
		testContext.Fatalf("failed to decode conflict response: %v", err)
	}
	if conflictResponse.Error != "conflict" || len(conflictResponse.Conflicts) != 1 {
		testContext.Fatalf("unexpected conflict response: %s", body)
	}

	// The same slot for an unrelated user is fine.
	response, body = stack.request(testContext, http.MethodPost, "/events", "carol", map[string]any{
		"event": map[string]any{
			"title":   "carol's review",
			"start_s": 1780001800,
			"end_s":   1780005400,
		},
	})
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("unrelated create returned %d: %s", response.StatusCode, body)
	}
}
