package models

const (
	GameTypeTicTacToe = "xo"
	GameTypeDice      = "dice"
)

type GameStatus string

const (
	GameCounting GameStatus = "countdown"
	GamePlaying  GameStatus = "playing"
	GameFinished GameStatus = "finished"
)

type MatchPlayer struct {
	UserID   string `json:"user_id"`
	SocketID string `json:"socket_id"`
	Symbol   string `json:"symbol,omitempty"`
}

// GameMatch pairs two queued players. State holds the serialized game.
type GameMatch struct {
	MatchID   string        `json:"match_id"`
	GameType  string        `json:"game_type"`
	Players   []MatchPlayer `json:"players"`
	CreatedAt int64         `json:"created_at"`
	State     *GameSnapshot `json:"state"`
}

// Opponent returns the other player of a two player match.
func (m *GameMatch) Opponent(userID string) *MatchPlayer {
	for i := range m.Players {
		if m.Players[i].UserID != userID {
			return &m.Players[i]
		}
	}
	return nil
}

func (m *GameMatch) Player(userID string) *MatchPlayer {
	for i := range m.Players {
		if m.Players[i].UserID == userID {
			return &m.Players[i]
		}
	}
	return nil
}

type PlayerScore struct {
	UserID    string `json:"user_id"`
	Score     int    `json:"score"`
	HasMoved  bool   `json:"has_moved"`
	LastRoll  []int  `json:"last_roll,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Connected bool   `json:"connected"`
}

// GameSnapshot is the serializable state of either game kind.
type GameSnapshot struct {
	GameType    string        `json:"game_type"`
	Status      GameStatus    `json:"status"`
	Players     []PlayerScore `json:"players"`
	CurrentTurn string        `json:"current_turn"`
	Round       int           `json:"round,omitempty"`
	MaxRounds   int           `json:"max_rounds,omitempty"`
	DiceCount   int           `json:"dice_count,omitempty"`
	Board       []string      `json:"board,omitempty"`
	WinnerID    string        `json:"winner_id,omitempty"`
	Draw        bool          `json:"draw"`
}

// RoomGameState is the single owner-approved game a room may run at a time.
type RoomGameState struct {
	GameID    string       `json:"game_id"`
	RoomID    string       `json:"room_id"`
	OwnerID   string       `json:"owner_id"`
	StartedAt int64        `json:"started_at"`
	StartsAt  int64        `json:"starts_at,omitempty"`
	Game      GameSnapshot `json:"game"`
}

type GameMove struct {
	MatchID string `json:"match_id,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
	Cell    *int   `json:"cell,omitempty"`
}

type QueueEntry struct {
	UserID   string `json:"user_id"`
	SocketID string `json:"socket_id"`
	Queued   int64  `json:"queued_at"`
}

type QueueResult struct {
	Queued bool       `json:"queued"`
	Match  *GameMatch `json:"match,omitempty"`
}
