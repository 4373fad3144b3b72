package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// recentLimit 與 leaderboardLimit 對應前端列表長度
const (
	recentLimit      = 10
	leaderboardLimit = 10
)

// Handler HTTP 請求處理器
//
// 對局本身走 WebSocket；HTTP 只提供查詢與帳號操作。
type Handler struct {
	registry   *Registry
	reconciler *Reconciler
	store      SessionStore
	directory  *Directory
	hub        *WebSocketHub
	logger     *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *Registry, reconciler *Reconciler, store SessionStore, directory *Directory, hub *WebSocketHub, logger *slog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		reconciler: reconciler,
		store:      store,
		directory:  directory,
		hub:        hub,
		logger:     logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 對局查詢
	mux.HandleFunc("GET /api/games", wrap(h.recentGames))
	mux.HandleFunc("GET /api/games/{id}", wrap(h.getGame))

	// 玩家
	mux.HandleFunc("GET /api/players/stats", wrap(h.leaderboard))
	mux.HandleFunc("GET /api/players/{username}", wrap(h.getPlayer))
	mux.HandleFunc("POST /api/players/initialize", wrap(h.initializePlayer))
	mux.HandleFunc("POST /api/players/update-username", wrap(h.updateUsername))

	// WebSocket（不經過 loggerMiddleware，包裝後的 ResponseWriter 無法 Hijack）
	mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type initializePlayerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type updateUsernameRequest struct {
	OldUsername string `json:"oldUsername"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// recentGames 最近的對局
func (h *Handler) recentGames(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.RecentSessions(r.Context(), recentLimit)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	if records == nil {
		records = []*SessionRecord{}
	}
	h.jsonResponse(w, records, http.StatusOK)
}

// getGame 查詢對局：先查記憶體，再走 Cache-Aside
func (h *Handler) getGame(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if rec, ok := h.registry.Snapshot(id); ok {
		h.jsonResponse(w, rec, http.StatusOK)
		return
	}

	rec, err := h.reconciler.Load(r.Context(), id)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, rec, http.StatusOK)
}

// leaderboard 勝場排行
func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	players, err := h.directory.Leaderboard(r.Context(), leaderboardLimit)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	if players == nil {
		players = []*PlayerRecord{}
	}
	h.jsonResponse(w, players, http.StatusOK)
}

// getPlayer 查詢玩家
func (h *Handler) getPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := h.directory.FindByAccount(r.Context(), r.PathValue("username"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, p, http.StatusOK)
}

// initializePlayer 建立或登入玩家
func (h *Handler) initializePlayer(w http.ResponseWriter, r *http.Request) {
	var req initializePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperrors.ErrCodeInvalidInput, "無效的請求格式", http.StatusBadRequest)
		return
	}

	p, created, err := h.directory.CreateOrAuthenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	message := "Logged in successfully"
	status := http.StatusOK
	if created {
		message = "Player created successfully"
		status = http.StatusCreated
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"player":  p,
		"message": message,
	}, status)
}

// updateUsername 改名
func (h *Handler) updateUsername(w http.ResponseWriter, r *http.Request) {
	var req updateUsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperrors.ErrCodeInvalidInput, "無效的請求格式", http.StatusBadRequest)
		return
	}

	p, err := h.directory.Rename(r.Context(), req.OldUsername, req.Username, req.Password)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"player":  p,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"sessions":    h.registry.Stats(),
		"persistence": h.reconciler.Stats(),
		"connections": h.hub.ConnectionCount(),
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, code, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	}, status)
}

// appErrorResponse 依錯誤碼決定狀態碼
func (h *Handler) appErrorResponse(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("處理請求失敗", "error", err)
	}

	message := "內部伺服器錯誤"
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && status < http.StatusInternalServerError {
		message = appErr.Message
		if appErr.Details != "" {
			message += ": " + appErr.Details
		}
	}
	h.errorResponse(w, apperrors.CodeOf(err), message, status)
}

// statusFor 錯誤碼映射到 HTTP 狀態碼
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case apperrors.ErrCodeAlreadyExists,
		apperrors.ErrCodeSessionFull,
		apperrors.ErrCodeDuplicateParticipant,
		apperrors.ErrCodeInvalidState,
		apperrors.ErrCodeNotYourTurn,
		apperrors.ErrCodeIllegalMove:
		return http.StatusConflict
	case apperrors.ErrCodeNotAParticipant:
		return http.StatusForbidden
	case apperrors.ErrCodeUnavailable, apperrors.ErrCodePersistenceDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperrors.ErrCodeInternal, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
