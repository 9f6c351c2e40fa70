package games

import (
	"fmt"

	"chorus/realtime/models"
)

const (
	SymbolX = "X"
	SymbolO = "O"
)

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

type TicTacToe struct {
	board   [9]string
	players [2]string // X, O
	turn    int
	winner  string
	draw    bool
	done    bool
}

// NewTicTacToe starts an empty board; x moves first.
func NewTicTacToe(x, o string) *TicTacToe {
	return &TicTacToe{players: [2]string{x, o}}
}

func RestoreTicTacToe(s models.GameSnapshot) (*TicTacToe, error) {
	if len(s.Players) != 2 {
		return nil, fmt.Errorf("%w: tic-tac-toe snapshot has %d players", ErrInvalidMove, len(s.Players))
	}
	g := &TicTacToe{
		players: [2]string{s.Players[0].UserID, s.Players[1].UserID},
		winner:  s.WinnerID,
		draw:    s.Draw,
		done:    s.Status == models.GameFinished,
	}
	if len(s.Board) > 0 && len(s.Board) != len(g.board) {
		return nil, fmt.Errorf("%w: board has %d cells", ErrInvalidMove, len(s.Board))
	}
	copy(g.board[:], s.Board)
	if s.CurrentTurn == g.players[1] {
		g.turn = 1
	}
	return g, nil
}

func (g *TicTacToe) Symbol(userID string) string {
	switch userID {
	case g.players[0]:
		return SymbolX
	case g.players[1]:
		return SymbolO
	}
	return ""
}

func (g *TicTacToe) Play(userID string, move models.GameMove) error {
	if move.Cell == nil {
		return fmt.Errorf("%w: cell is required", ErrInvalidMove)
	}
	return g.Place(userID, *move.Cell)
}

// Place puts the mover's symbol on cell and advances the game.
func (g *TicTacToe) Place(userID string, cell int) error {
	if g.done {
		return ErrGameFinished
	}
	if g.Symbol(userID) == "" {
		return ErrNotAPlayer
	}
	if g.players[g.turn] != userID {
		return ErrNotYourTurn
	}
	if cell < 0 || cell >= len(g.board) {
		return fmt.Errorf("%w: cell %d out of range", ErrInvalidMove, cell)
	}
	if g.board[cell] != "" {
		return ErrCellOccupied
	}

	symbol := g.Symbol(userID)
	g.board[cell] = symbol

	if g.wins(symbol) {
		g.winner = userID
		g.done = true
		return nil
	}
	if g.full() {
		g.draw = true
		g.done = true
		return nil
	}
	g.turn = 1 - g.turn
	return nil
}

func (g *TicTacToe) wins(symbol string) bool {
	for _, line := range winLines {
		if g.board[line[0]] == symbol && g.board[line[1]] == symbol && g.board[line[2]] == symbol {
			return true
		}
	}
	return false
}

func (g *TicTacToe) full() bool {
	for _, c := range g.board {
		if c == "" {
			return false
		}
	}
	return true
}

func (g *TicTacToe) Forfeit(userID string) {
	if g.done || g.Symbol(userID) == "" {
		return
	}
	g.done = true
	if g.players[0] == userID {
		g.winner = g.players[1]
	} else {
		g.winner = g.players[0]
	}
}

func (g *TicTacToe) Finished() bool { return g.done }

func (g *TicTacToe) Winner() string { return g.winner }

func (g *TicTacToe) Snapshot() models.GameSnapshot {
	status := models.GamePlaying
	if g.done {
		status = models.GameFinished
	}
	board := make([]string, len(g.board))
	copy(board, g.board[:])
	return models.GameSnapshot{
		GameType: models.GameTypeTicTacToe,
		Status:   status,
		Players: []models.PlayerScore{
			{UserID: g.players[0], Symbol: SymbolX, Connected: true},
			{UserID: g.players[1], Symbol: SymbolO, Connected: true},
		},
		CurrentTurn: g.players[g.turn],
		Board:       board,
		WinnerID:    g.winner,
		Draw:        g.draw,
	}
}
