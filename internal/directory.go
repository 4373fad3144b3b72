package internal

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// maxAccountIDLength 帳號長度上限，與資料表欄位一致
const maxAccountIDLength = 64

// Directory 玩家帳號與戰績
//
// 身分由外部提供：帳號不存在時直接建立，存在時比對密碼。
// 密碼是不透明字串，原樣比對（不雜湊）。
type Directory struct {
	store  PlayerStore
	logger *slog.Logger
	now    func() time.Time
}

// NewDirectory 創建 Directory
func NewDirectory(store PlayerStore, logger *slog.Logger) *Directory {
	return &Directory{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// FindByAccount 查詢玩家
func (d *Directory) FindByAccount(ctx context.Context, accountID string) (*PlayerRecord, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	return d.store.FindPlayer(ctx, accountID)
}

// Authenticate 驗證已存在的帳號
func (d *Directory) Authenticate(ctx context.Context, accountID, secret string) (*PlayerRecord, error) {
	p, err := d.FindByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !secretMatches(p.Secret, secret) {
		return nil, apperrors.ErrInvalidCredentials
	}
	return p, nil
}

// CreateOrAuthenticate 帳號存在則驗證，不存在則建立
//
// 返回的 bool 表示是否新建。
// 兩個請求同時建立同一帳號時，輸掉唯一鍵競爭的一方改為重新讀取並驗證。
func (d *Directory) CreateOrAuthenticate(ctx context.Context, accountID, secret string) (*PlayerRecord, bool, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, false, err
	}
	if secret == "" {
		return nil, false, apperrors.ErrInvalidInput.WithDetails("secret is required")
	}

	p, err := d.store.FindPlayer(ctx, accountID)
	switch {
	case err == nil:
		if !secretMatches(p.Secret, secret) {
			return nil, false, apperrors.ErrInvalidCredentials
		}
		return p, false, nil
	case !apperrors.IsNotFound(err):
		return nil, false, fmt.Errorf("查詢玩家失敗: %w", err)
	}

	now := d.now()
	p = &PlayerRecord{
		AccountID:  accountID,
		Secret:     secret,
		LastActive: now,
		CreatedAt:  now,
	}
	if err := d.store.CreatePlayer(ctx, p); err != nil {
		if apperrors.IsAlreadyExists(err) {
			p, err := d.Authenticate(ctx, accountID, secret)
			return p, false, err
		}
		return nil, false, fmt.Errorf("建立玩家失敗: %w", err)
	}

	d.logger.Info("玩家已建立", "account_id", accountID)
	return p, true, nil
}

// IncrementOutcome 更新戰績（場數 +1，並依類型 +1）
func (d *Directory) IncrementOutcome(ctx context.Context, accountID string, kind StatKind) error {
	switch kind {
	case StatWin, StatLoss, StatDraw:
	default:
		return apperrors.ErrInvalidInput.WithDetails(fmt.Sprintf("unknown stat kind %q", kind))
	}
	return d.store.IncrementOutcome(ctx, accountID, kind)
}

// UpdateLiveConnection 記錄玩家目前的連線
func (d *Directory) UpdateLiveConnection(ctx context.Context, accountID, connectionID string) error {
	return d.store.SetLiveConnection(ctx, accountID, connectionID, d.now())
}

// Touch 更新最後活動時間
func (d *Directory) Touch(ctx context.Context, accountID string) error {
	return d.store.TouchPlayer(ctx, accountID, d.now())
}

// Leaderboard 依勝場排序
func (d *Directory) Leaderboard(ctx context.Context, limit int) ([]*PlayerRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return d.store.TopPlayers(ctx, limit)
}

// Rename 更換帳號名稱（需要原帳號的密碼）
func (d *Directory) Rename(ctx context.Context, oldAccountID, newAccountID, secret string) (*PlayerRecord, error) {
	if err := validateAccountID(newAccountID); err != nil {
		return nil, err
	}
	if oldAccountID == newAccountID {
		return nil, apperrors.ErrInvalidInput.WithDetails("new account id must differ")
	}
	if _, err := d.Authenticate(ctx, oldAccountID, secret); err != nil {
		return nil, err
	}

	p, err := d.store.RenamePlayer(ctx, oldAccountID, newAccountID)
	if err != nil {
		return nil, err
	}

	d.logger.Info("玩家已改名", "old_account_id", oldAccountID, "account_id", newAccountID)
	return p, nil
}

func validateAccountID(accountID string) error {
	trimmed := strings.TrimSpace(accountID)
	if trimmed == "" || trimmed != accountID {
		return apperrors.ErrInvalidInput.WithDetails("account id must be non-empty without surrounding spaces")
	}
	if len(accountID) > maxAccountIDLength {
		return apperrors.ErrInvalidInput.WithDetails("account id too long")
	}
	return nil
}

// secretMatches 定時比較，避免洩漏前綴長度
func secretMatches(stored, given string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
