// Package errors 提供應用程式錯誤處理
//
// 所有對局相關的驗證錯誤都以錯誤碼區分，
// 傳輸層只需要錯誤碼就能回報 actionRejected，HTTP 層則映射成狀態碼。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 對局或玩家不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInvalidCredentials 帳號密碼不符
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	// ErrCodeSessionFull 對局已滿
	ErrCodeSessionFull = "SESSION_FULL"
	// ErrCodeDuplicateParticipant 同一帳號重複加入
	ErrCodeDuplicateParticipant = "DUPLICATE_PARTICIPANT"
	// ErrCodeInvalidState 當前階段不允許此操作
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeNotYourTurn 不是你的回合
	ErrCodeNotYourTurn = "NOT_YOUR_TURN"
	// ErrCodeIllegalMove 格子超出範圍或已被佔用
	ErrCodeIllegalMove = "ILLEGAL_MOVE"
	// ErrCodeOpponentMissing 對手不在座位上（內部不變量被破壞）
	ErrCodeOpponentMissing = "OPPONENT_MISSING"
	// ErrCodeNotAParticipant 呼叫者不在此對局中
	ErrCodeNotAParticipant = "NOT_A_PARTICIPANT"
	// ErrCodePersistenceDegraded 快取或資料庫寫入失敗（只記錄，不回報）
	ErrCodePersistenceDegraded = "PERSISTENCE_DEGRADED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（只比較錯誤碼）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共用的指標，不能直接修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrSessionNotFound 對局不存在
	ErrSessionNotFound = New(ErrCodeNotFound, "session not found")

	// ErrPlayerNotFound 玩家不存在
	ErrPlayerNotFound = New(ErrCodeNotFound, "player not found")

	// ErrInvalidCredentials 密碼錯誤
	ErrInvalidCredentials = New(ErrCodeInvalidCredentials, "invalid credentials")

	// ErrSessionFull 對局已滿
	ErrSessionFull = New(ErrCodeSessionFull, "session is full")

	// ErrDuplicateParticipant 帳號已在對局中
	ErrDuplicateParticipant = New(ErrCodeDuplicateParticipant, "account already seated in this session")

	// ErrInvalidState 階段不允許
	ErrInvalidState = New(ErrCodeInvalidState, "action not valid for current phase")

	// ErrNotYourTurn 不是你的回合
	ErrNotYourTurn = New(ErrCodeNotYourTurn, "not your turn")

	// ErrIllegalMove 非法落子
	ErrIllegalMove = New(ErrCodeIllegalMove, "illegal move")

	// ErrOpponentMissing 對手缺席
	ErrOpponentMissing = New(ErrCodeOpponentMissing, "opponent missing")

	// ErrNotAParticipant 不是對局成員
	ErrNotAParticipant = New(ErrCodeNotAParticipant, "not a participant in this session")

	// ErrPersistenceDegraded 持久化降級
	ErrPersistenceDegraded = New(ErrCodePersistenceDegraded, "persistence degraded")

	// ErrAccountTaken 帳號名稱已被使用
	ErrAccountTaken = New(ErrCodeAlreadyExists, "account id already taken")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")
)

// CodeOf 取出錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrCodeAlreadyExists)
}

// IsInvalidCredentials 檢查是否為帳密錯誤
func IsInvalidCredentials(err error) bool {
	return hasCode(err, ErrCodeInvalidCredentials)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
