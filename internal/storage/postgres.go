// Package storage 實作對局與玩家的存儲
//
//   - Postgres：持久化（sessions、players 兩張表）
//   - RedisCache：對局快取（TTL + 版本 CAS）
//   - Memory*：測試與單機開發用
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// uniqueViolation PostgreSQL unique_violation 錯誤碼
const uniqueViolation = "23505"

// Postgres PostgreSQL 存儲實現
//
// 系統設計考量：
//
//  1. 表結構設計：
//     - session_id：唯一索引（upsert 衝突鍵）
//     - board / participants / outcome：JSONB，與快取和前端同一格式
//     - version：單調遞增，防止亂序寫入覆蓋新資料
//
//  2. 版本保護：
//     INSERT ... ON CONFLICT DO UPDATE ... WHERE sessions.version < EXCLUDED.version
//     較舊的快照會被靜默忽略，不視為錯誤。
//
//  3. 併發控制：
//     - account_id UNIQUE 約束：兩個同時建立同一帳號的請求只有一個成功
//     - wins = wins + 1：原子遞增
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 PostgreSQL 存儲實例
//
// pool 由調用方管理生命週期。
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const sessionColumns = `session_id, board, participants, turn_holder, phase, outcome, version, created_at, updated_at`

// GetSession 讀取對局
func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*internal.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	rec, err := scanSession(p.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	return rec, nil
}

// UpsertSession 寫入對局（只接受較新的版本）
func (p *Postgres) UpsertSession(ctx context.Context, rec *internal.SessionRecord) error {
	board, err := json.Marshal(rec.Board)
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	var outcome any
	if rec.Outcome != nil {
		data, err := json.Marshal(rec.Outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		outcome = string(data)
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2::jsonb, $3::jsonb, NULLIF($4, ''), $5, $6::jsonb, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			board        = EXCLUDED.board,
			participants = EXCLUDED.participants,
			turn_holder  = EXCLUDED.turn_holder,
			phase        = EXCLUDED.phase,
			outcome      = EXCLUDED.outcome,
			version      = EXCLUDED.version,
			updated_at   = EXCLUDED.updated_at
		WHERE sessions.version < EXCLUDED.version
	`

	_, err = p.pool.Exec(ctx, query,
		rec.SessionID,
		string(board),
		string(participants),
		rec.TurnHolder,
		string(rec.Phase),
		outcome,
		rec.Version,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// RecentSessions 最近建立的對局
func (p *Postgres) RecentSessions(ctx context.Context, limit int) ([]*internal.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC LIMIT $1`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	var records []*internal.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanSession(row pgx.Row) (*internal.SessionRecord, error) {
	var (
		rec          internal.SessionRecord
		board        []byte
		participants []byte
		turnHolder   *string
		phase        string
		outcome      []byte
	)

	if err := row.Scan(
		&rec.SessionID,
		&board,
		&participants,
		&turnHolder,
		&phase,
		&outcome,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(board, &rec.Board); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	if err := json.Unmarshal(participants, &rec.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if len(outcome) > 0 {
		rec.Outcome = &internal.Outcome{}
		if err := json.Unmarshal(outcome, rec.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if turnHolder != nil {
		rec.TurnHolder = *turnHolder
	}
	rec.Phase = internal.Phase(phase)

	return &rec, nil
}

const playerColumns = `account_id, secret, games_played, wins, losses, draws, last_active, COALESCE(socket_id, ''), created_at`

// FindPlayer 查詢玩家
func (p *Postgres) FindPlayer(ctx context.Context, accountID string) (*internal.PlayerRecord, error) {
	query := `SELECT ` + playerColumns + ` FROM players WHERE account_id = $1`

	rec, err := scanPlayer(p.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("query player: %w", err)
	}
	return rec, nil
}

// CreatePlayer 建立玩家
//
// 錯誤處理：
//   - 23505 unique_violation → ErrAccountTaken
func (p *Postgres) CreatePlayer(ctx context.Context, rec *internal.PlayerRecord) error {
	query := `
		INSERT INTO players (account_id, secret, games_played, wins, losses, draws, last_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := p.pool.Exec(ctx, query,
		rec.AccountID,
		rec.Secret,
		rec.GamesPlayed,
		rec.Wins,
		rec.Losses,
		rec.Draws,
		rec.LastActive,
		rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAccountTaken
		}
		return fmt.Errorf("insert player: %w", err)
	}
	return nil
}

// TouchPlayer 更新最後活動時間
func (p *Postgres) TouchPlayer(ctx context.Context, accountID string, at time.Time) error {
	return p.execPlayer(ctx, `UPDATE players SET last_active = $2 WHERE account_id = $1`, accountID, at)
}

// SetLiveConnection 記錄目前連線
func (p *Postgres) SetLiveConnection(ctx context.Context, accountID, connectionID string, at time.Time) error {
	return p.execPlayer(ctx,
		`UPDATE players SET socket_id = NULLIF($2, ''), last_active = $3 WHERE account_id = $1`,
		accountID, connectionID, at)
}

// statColumns 每種戰績對應的欄位（固定白名單，不拼接外部輸入）
var statColumns = map[internal.StatKind]string{
	internal.StatWin:  "wins",
	internal.StatLoss: "losses",
	internal.StatDraw: "draws",
}

// IncrementOutcome 場數與對應戰績各 +1
func (p *Postgres) IncrementOutcome(ctx context.Context, accountID string, kind internal.StatKind) error {
	column, ok := statColumns[kind]
	if !ok {
		return apperrors.ErrInvalidInput.WithDetails(fmt.Sprintf("unknown stat kind %q", kind))
	}

	query := fmt.Sprintf(`
		UPDATE players
		SET games_played = games_played + 1, %[1]s = %[1]s + 1
		WHERE account_id = $1
	`, column)

	return p.execPlayer(ctx, query, accountID)
}

// TopPlayers 勝場排行
func (p *Postgres) TopPlayers(ctx context.Context, limit int) ([]*internal.PlayerRecord, error) {
	query := `SELECT ` + playerColumns + ` FROM players ORDER BY wins DESC, account_id ASC LIMIT $1`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query top players: %w", err)
	}
	defer rows.Close()

	var players []*internal.PlayerRecord
	for rows.Next() {
		rec, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, rec)
	}
	return players, rows.Err()
}

// RenamePlayer 更換帳號名稱
func (p *Postgres) RenamePlayer(ctx context.Context, oldAccountID, newAccountID string) (*internal.PlayerRecord, error) {
	query := `UPDATE players SET account_id = $2 WHERE account_id = $1 RETURNING ` + playerColumns

	rec, err := scanPlayer(p.pool.QueryRow(ctx, query, oldAccountID, newAccountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrPlayerNotFound
		}
		if isUniqueViolation(err) {
			return nil, apperrors.ErrAccountTaken
		}
		return nil, fmt.Errorf("rename player: %w", err)
	}
	return rec, nil
}

// execPlayer 執行單筆玩家更新，RowsAffected 為 0 表示玩家不存在
func (p *Postgres) execPlayer(ctx context.Context, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrPlayerNotFound
	}
	return nil
}

func scanPlayer(row pgx.Row) (*internal.PlayerRecord, error) {
	var rec internal.PlayerRecord
	if err := row.Scan(
		&rec.AccountID,
		&rec.Secret,
		&rec.GamesPlayed,
		&rec.Wins,
		&rec.Losses,
		&rec.Draws,
		&rec.LastActive,
		&rec.LiveConnection,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
