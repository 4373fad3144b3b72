// Package game 實作井字棋的回合引擎
//
// 這一層是純函數：不持有狀態、不加鎖、不做 I/O。
// 對局的併發控制與持久化都在上層（Registry）處理。
package game

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// Mark 棋子標記
type Mark string

const (
	MarkNone Mark = ""  // 空格
	MarkX    Mark = "X" // 先手（建立者）
	MarkO    Mark = "O" // 後手（加入者）
)

// Valid 是否為可落子的標記
func (m Mark) Valid() bool {
	return m == MarkX || m == MarkO
}

// Other 返回對手的標記
func Other(m Mark) Mark {
	switch m {
	case MarkX:
		return MarkO
	case MarkO:
		return MarkX
	default:
		return MarkNone
	}
}

// Size 棋盤格數
const Size = 9

// Board 3x3 棋盤，索引 0-8 由左到右、由上到下
type Board [Size]Mark

// Empty 是否全空
func (b Board) Empty() bool {
	for _, c := range b {
		if c != MarkNone {
			return false
		}
	}
	return true
}

// Full 是否已無空格
func (b Board) Full() bool {
	for _, c := range b {
		if c == MarkNone {
			return false
		}
	}
	return true
}

// Count 統計某標記的數量
func (b Board) Count(m Mark) int {
	n := 0
	for _, c := range b {
		if c == m {
			n++
		}
	}
	return n
}

// MarshalJSON 空格輸出為 null，與前端協議一致
func (b Board) MarshalJSON() ([]byte, error) {
	cells := make([]*string, Size)
	for i, c := range b {
		if c != MarkNone {
			s := string(c)
			cells[i] = &s
		}
	}
	return json.Marshal(cells)
}

// UnmarshalJSON 接受 null 或空字串表示空格
func (b *Board) UnmarshalJSON(data []byte) error {
	var cells []*string
	if err := json.Unmarshal(data, &cells); err != nil {
		return err
	}
	if len(cells) != Size {
		return fmt.Errorf("board must have %d cells, got %d", Size, len(cells))
	}

	var out Board
	for i, c := range cells {
		if c == nil || *c == "" {
			continue
		}
		m := Mark(*c)
		if !m.Valid() {
			return fmt.Errorf("invalid mark %q at cell %d", *c, i)
		}
		out[i] = m
	}
	*b = out
	return nil
}

// ApplyMove 在指定格子落子，返回新棋盤
//
// 失敗情況（IllegalMove）：
//   - cellIndex 超出 0-8
//   - 格子已被佔用
//   - mark 不是 X 或 O
func ApplyMove(b Board, cellIndex int, mark Mark) (Board, error) {
	if !mark.Valid() {
		return b, apperrors.ErrIllegalMove.WithDetails(fmt.Sprintf("invalid mark %q", mark))
	}
	if cellIndex < 0 || cellIndex >= Size {
		return b, apperrors.ErrIllegalMove.WithDetails(fmt.Sprintf("cell %d out of range", cellIndex))
	}
	if b[cellIndex] != MarkNone {
		return b, apperrors.ErrIllegalMove.WithDetails(fmt.Sprintf("cell %d occupied", cellIndex))
	}

	b[cellIndex] = mark
	return b, nil
}
