package games

import (
	"fmt"
	"math/rand"

	"chorus/realtime/models"
)

// Roller returns n dice values between 1 and 6.
type Roller func(n int) []int

func RandomRoller(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rand.Intn(6) + 1
	}
	return out
}

// Dice is the round-based game: every player rolls once per round in turn
// order and the highest cumulative total after the last round wins. A shared
// top total is reported as a draw with no winner.
type Dice struct {
	players   []models.PlayerScore
	turn      int
	round     int
	maxRounds int
	diceCount int
	winner    string
	draw      bool
	done      bool
	roll      Roller
}

func NewDice(players []string, rounds, diceCount int, roller Roller) (*Dice, error) {
	if len(players) < 2 {
		return nil, ErrTooFewPlayers
	}
	if rounds <= 0 || diceCount <= 0 {
		return nil, fmt.Errorf("%w: rounds and dice count must be positive", ErrInvalidMove)
	}
	if roller == nil {
		roller = RandomRoller
	}
	d := &Dice{
		round:     1,
		maxRounds: rounds,
		diceCount: diceCount,
		roll:      roller,
	}
	for _, id := range players {
		d.players = append(d.players, models.PlayerScore{UserID: id, Connected: true})
	}
	return d, nil
}

func RestoreDice(s models.GameSnapshot, roller Roller) (*Dice, error) {
	if len(s.Players) < 2 {
		return nil, ErrTooFewPlayers
	}
	if roller == nil {
		roller = RandomRoller
	}
	d := &Dice{
		players:   append([]models.PlayerScore(nil), s.Players...),
		round:     s.Round,
		maxRounds: s.MaxRounds,
		diceCount: s.DiceCount,
		winner:    s.WinnerID,
		draw:      s.Draw,
		done:      s.Status == models.GameFinished,
		roll:      roller,
	}
	for i, p := range d.players {
		if p.UserID == s.CurrentTurn {
			d.turn = i
		}
	}
	return d, nil
}

func (d *Dice) Play(userID string, _ models.GameMove) error {
	_, err := d.Roll(userID)
	return err
}

// Roll rolls for userID when it is their turn and returns the dice.
func (d *Dice) Roll(userID string) ([]int, error) {
	if d.done {
		return nil, ErrGameFinished
	}
	idx := d.index(userID)
	if idx < 0 {
		return nil, ErrNotAPlayer
	}
	if idx != d.turn || d.players[idx].HasMoved {
		return nil, ErrNotYourTurn
	}

	values := d.roll(d.diceCount)
	sum := 0
	for _, v := range values {
		sum += v
	}
	p := &d.players[idx]
	p.Score += sum
	p.LastRoll = values
	p.HasMoved = true

	d.advance()
	return values, nil
}

func (d *Dice) advance() {
	for i := 1; i <= len(d.players); i++ {
		next := (d.turn + i) % len(d.players)
		if !d.players[next].HasMoved {
			d.turn = next
			return
		}
	}

	// Everyone has moved this round.
	if d.round >= d.maxRounds {
		d.finish()
		return
	}
	d.round++
	for i := range d.players {
		d.players[i].HasMoved = false
	}
	d.turn = 0
}

func (d *Dice) finish() {
	d.done = true
	best, leaders := -1, 0
	for _, p := range d.players {
		switch {
		case p.Score > best:
			best, leaders = p.Score, 1
			d.winner = p.UserID
		case p.Score == best:
			leaders++
		}
	}
	if leaders > 1 {
		d.winner = ""
		d.draw = true
	}
}

// Forfeit removes a departed player. With one player left the remaining one wins.
func (d *Dice) Forfeit(userID string) {
	idx := d.index(userID)
	if idx < 0 || d.done {
		return
	}
	d.players = append(d.players[:idx], d.players[idx+1:]...)
	if len(d.players) == 1 {
		d.done = true
		d.winner = d.players[0].UserID
		return
	}
	if d.turn > idx {
		d.turn--
	}
	if d.turn >= len(d.players) {
		d.turn = 0
	}
	if d.players[d.turn].HasMoved {
		d.advance()
	}
}

func (d *Dice) index(userID string) int {
	for i, p := range d.players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (d *Dice) Finished() bool { return d.done }

func (d *Dice) Snapshot() models.GameSnapshot {
	status := models.GamePlaying
	if d.done {
		status = models.GameFinished
	}
	current := ""
	if !d.done && len(d.players) > 0 {
		current = d.players[d.turn].UserID
	}
	return models.GameSnapshot{
		GameType:    models.GameTypeDice,
		Status:      status,
		Players:     append([]models.PlayerScore(nil), d.players...),
		CurrentTurn: current,
		Round:       d.round,
		MaxRounds:   d.maxRounds,
		DiceCount:   d.diceCount,
		WinnerID:    d.winner,
		Draw:        d.draw,
	}
}
