package testutils

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/storage"
	"github.com/koopa0/system-design/14-session-coordinator/pkg/logger"
)

// TestLogger 測試用日誌（只輸出錯誤）
func TestLogger() *slog.Logger {
	return logger.Discard()
}

// DefaultTestConfig 返回測試用的預設配置
func DefaultTestConfig() *internal.Config {
	cfg := internal.DefaultConfig()

	cfg.Session.SyncWorkers = 2
	cfg.Session.SyncBuffer = 64
	cfg.Session.SyncTimeout = time.Second
	cfg.Session.CleanupInterval = time.Hour

	cfg.Log.Level = "error"
	cfg.Log.Format = "json"

	return cfg
}

// MemoryStack 記憶體存儲組成的完整堆疊
type MemoryStack struct {
	Sessions   *storage.MemorySessionStore
	Cache      *storage.MemoryCache
	Players    *storage.MemoryPlayerStore
	Events     *RecordingPublisher
	Reconciler *internal.Reconciler
	Directory  *internal.Directory
	Registry   *internal.Registry
}

// NewMemoryStack 建立記憶體堆疊並在測試結束時關閉
func NewMemoryStack(t testing.TB) *MemoryStack {
	t.Helper()

	log := TestLogger()
	cfg := DefaultTestConfig()

	s := &MemoryStack{
		Sessions: storage.NewMemorySessionStore(),
		Cache:    storage.NewMemoryCache(),
		Players:  storage.NewMemoryPlayerStore(),
		Events:   NewRecordingPublisher(),
	}
	s.Reconciler = internal.NewReconciler(s.Sessions, s.Cache, s.Events, log, internal.ReconcilerOptions{
		CacheTTL: cfg.Session.CacheTTL,
		Workers:  cfg.Session.SyncWorkers,
		Buffer:   cfg.Session.SyncBuffer,
		Timeout:  cfg.Session.SyncTimeout,
	})
	s.Directory = internal.NewDirectory(s.Players, log)
	s.Registry = internal.NewRegistry(s.Reconciler, s.Directory, log, internal.RegistryOptions{
		CleanupInterval: cfg.Session.CleanupInterval,
	})

	t.Cleanup(func() {
		s.Registry.Stop()
		s.Reconciler.Shutdown()
	})

	return s
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency int, fn func(workerID int)) {
	t.Helper()

	start := make(chan struct{})
	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		workerID := i
		go func() {
			defer func() { done <- struct{}{} }()
			<-start
			fn(workerID)
		}()
	}

	// 同時放行，盡量製造競爭
	close(start)
	for i := 0; i < concurrency; i++ {
		<-done
	}
}
