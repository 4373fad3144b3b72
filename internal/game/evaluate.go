package game

// ResultKind 局面判定結果
type ResultKind string

const (
	ResultNone ResultKind = "none"
	ResultWin  ResultKind = "win"
	ResultDraw ResultKind = "draw"
)

// Result 判定結果
//
// Kind 為 win 時 Mark 與 Line 有值。
type Result struct {
	Kind ResultKind
	Mark Mark
	Line [3]int
}

// Terminal 是否已結束
func (r Result) Terminal() bool {
	return r.Kind == ResultWin || r.Kind == ResultDraw
}

// Lines 八條連線，順序固定：三橫、三直、兩斜
var Lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Evaluate 判定局面
//
// 依 Lines 的順序檢查，第一條三子相同的連線勝出；
// 沒有連線且棋盤已滿則為和局；否則尚未結束。
func Evaluate(b Board) Result {
	for _, line := range Lines {
		m := b[line[0]]
		if m != MarkNone && m == b[line[1]] && m == b[line[2]] {
			return Result{Kind: ResultWin, Mark: m, Line: line}
		}
	}

	if b.Full() {
		return Result{Kind: ResultDraw}
	}

	return Result{Kind: ResultNone}
}
