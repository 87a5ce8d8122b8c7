package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cloudsentry/api/internal/auth"
	"github.com/cloudsentry/api/internal/client"
	"github.com/cloudsentry/api/internal/config"
	"github.com/cloudsentry/api/internal/handler"
	"github.com/cloudsentry/api/internal/inspector"
	"github.com/cloudsentry/api/internal/middleware"
	"github.com/cloudsentry/api/internal/model"
	"github.com/cloudsentry/api/internal/service"
	"github.com/cloudsentry/api/internal/store"
	ws "github.com/cloudsentry/api/internal/websocket"
	"github.com/cloudsentry/api/pkg/response"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUser      = "test-user-123"

	// slowServiceType runs long enough to be cancelled
	slowServiceType = "slow"
)

// memoryStore keeps results in memory so tests do not need Redis.
type memoryStore struct {
	mu      sync.Mutex
	results map[string][]model.ItemResult
}

func (s *memoryStore) SaveItemResults(_ context.Context, customerID, jobID string, results []model.ItemResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[customerID+"/"+jobID] = results
	return nil
}

func (s *memoryStore) GetItemResults(_ context.Context, customerID, jobID string) ([]model.ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results, ok := s.results[customerID+"/"+jobID]
	if !ok {
		return nil, store.ErrResultsNotFound
	}
	return results, nil
}

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	hub   *ws.Hub
	wsURL string
}

// setupApp builds the server the way main.go does, with simulated inspectors and an
// in-memory result store, and serves it on a loopback port for WebSocket clients.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis is only used by the rate limiter, which fails open without it
	redisClient := redis.NewClient(&redis.Options{
		Addr:       "localhost:6379",
		DB:         15,
		MaxRetries: -1,
	})
	t.Cleanup(func() { redisClient.Close() })

	validate := validator.New()
	hub := ws.NewHub(config.WebSocketConfig{
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  time.Minute,
		CleanupGrace:      100 * time.Millisecond,
		SendBuffer:        256,
	})

	inspectors := inspector.NewRegistry()
	inspectors.Register(model.ServiceTypeSimulated, func() inspector.Inspector {
		return inspector.NewSimulated(3, 10*time.Millisecond)
	})
	inspectors.Register(slowServiceType, func() inspector.Inspector {
		return inspector.NewSimulated(100, 100*time.Millisecond)
	})

	results := &memoryStore{results: make(map[string][]model.ItemResult)}
	orchestrator := service.NewOrchestrator(hub,
		&client.StaticCredentialProvider{AccessKeyID: "test", SecretAccessKey: "test"},
		inspectors, results, nil,
		service.Options{Retention: time.Minute, Persist: service.RetryPolicy{MaxAttempts: 2}})
	hub.SetAuthorizer(orchestrator)

	authMiddleware := middleware.NewAuthMiddleware(auth.NewAuthenticator(nil, testJWTSecret))
	rateLimiter := middleware.NewRateLimiter(redisClient)

	inspectionHandler := handler.NewInspectionHandler(orchestrator, results, validate)
	wsHandler := handler.NewWebSocketHandler(hub)

	app := fiber.New(fiber.Config{ErrorHandler: response.ErrorHandler})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": hub.Connections().Count(),
			"topics":      hub.Topics().TopicCount(),
		})
	})

	// Use very high rate limits so tests don't get blocked
	inspections := app.Group("/api/inspections", authMiddleware.Authenticate())
	inspections.Post("/start", rateLimiter.InspectionLimit(10000), inspectionHandler.Start)
	inspections.Get("/jobs/:jobId", inspectionHandler.JobStatus)
	inspections.Get("/jobs/:jobId/results", inspectionHandler.Results)
	inspections.Post("/jobs/:jobId/cancel", inspectionHandler.Cancel)
	inspections.Get("/batches/:batchId", inspectionHandler.BatchStatus)

	wsHandler.Register(app, authMiddleware.AuthenticateUpgrade())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
		hub.Close()
		_ = app.Shutdown()
	})

	return &testApp{
		app:   app,
		hub:   hub,
		wsURL: "ws://" + ln.Addr().String() + "/ws/inspections",
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.GenerateLegacyToken(userID, userID+"@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request authenticated as userID.
func doAuthRequest(t *testing.T, app *fiber.App, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, userID),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// decodeJSON parses the response body into v.
func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
