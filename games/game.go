// Package games holds the turn-based game rules. Nothing here does I/O; the
// services package stores snapshots and fans out the results.
package games

import (
	"errors"
	"fmt"

	"chorus/realtime/models"
)

var (
	ErrNotYourTurn     = errors.New("not your turn")
	ErrCellOccupied    = errors.New("cell already occupied")
	ErrInvalidMove     = errors.New("invalid move")
	ErrGameFinished    = errors.New("game already finished")
	ErrNotAPlayer      = errors.New("user is not playing this game")
	ErrUnknownGameType = errors.New("unknown game type")
	ErrTooFewPlayers   = errors.New("not enough players")
)

// Game is one running match of either kind.
type Game interface {
	Play(userID string, move models.GameMove) error
	Snapshot() models.GameSnapshot
	Finished() bool
	// Forfeit drops a player who left; the game may finish as a result.
	Forfeit(userID string)
}

type Options struct {
	DiceRounds int
	DiceCount  int
	Roller     Roller
}

// New starts a game of gameType for players in turn order.
func New(gameType string, players []string, opts Options) (Game, error) {
	switch gameType {
	case models.GameTypeTicTacToe:
		if len(players) != 2 {
			return nil, fmt.Errorf("%w: tic-tac-toe needs exactly 2", ErrTooFewPlayers)
		}
		return NewTicTacToe(players[0], players[1]), nil
	case models.GameTypeDice:
		return NewDice(players, opts.DiceRounds, opts.DiceCount, opts.Roller)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, gameType)
}

// Restore rebuilds a game from a stored snapshot.
func Restore(s models.GameSnapshot, roller Roller) (Game, error) {
	switch s.GameType {
	case models.GameTypeTicTacToe:
		return RestoreTicTacToe(s)
	case models.GameTypeDice:
		return RestoreDice(s, roller)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, s.GameType)
}

// Supported reports whether gameType names a known game.
func Supported(gameType string) bool {
	return gameType == models.GameTypeTicTacToe || gameType == models.GameTypeDice
}
