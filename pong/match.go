// Package pong runs a single two-player Pong match on a fixed tick.
package pong

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/state"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Up, Down:
		return d, nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrUnknownAction, s)
}

// Phase ids for the match state machine.
const (
	PhaseIdle      = "idle"
	PhaseCountdown = "countdown"
	PhasePlaying   = "playing"
	PhaseFinished  = "finished"
)

var (
	ErrMatchNotActive = errors.New("match is not active")
	ErrSamePlayer     = errors.New("a match needs two different players")
	ErrNotInMatch     = errors.New("player is not in this match")
	ErrUnknownAction  = errors.New("unknown pong action")
)

// MatchState is the replicated snapshot of a match.
type MatchState struct {
	ID        string  `json:"id"`
	Player1ID string  `json:"player1_id"`
	Player2ID string  `json:"player2_id"`
	Score1    int     `json:"score1"`
	Score2    int     `json:"score2"`
	BallX     float64 `json:"ball_x"`
	BallY     float64 `json:"ball_y"`
	BallDx    float64 `json:"ball_dx"`
	BallDy    float64 `json:"ball_dy"`
	Paddle1Y  float64 `json:"paddle1_y"`
	Paddle2Y  float64 `json:"paddle2_y"`
	Status    Status  `json:"status"`
	WinnerID  *string `json:"winner_id"`
	// Countdown is the number of whole seconds left before the next serve.
	Countdown int `json:"countdown"`
}

func (s MatchState) clone() MatchState {
	if s.WinnerID != nil {
		w := *s.WinnerID
		s.WinnerID = &w
	}
	return s
}

type Settings struct {
	TickRate     int
	WinningScore int
}

func DefaultSettings() Settings {
	return Settings{TickRate: 60, WinningScore: DefaultWinningScore}
}

// Match owns the authoritative simulation of one match. All phase callbacks
// run with mu held.
type Match struct {
	mu         sync.Mutex
	s          MatchState
	settings   Settings
	rng        *rand.Rand
	machine    *state.BaseStateMachine
	phases     map[string]state.State
	serveTicks int
	restoring  bool
}

// NewMatch creates an idle match between two distinct players.
func NewMatch(id, player1ID, player2ID string, settings Settings, rng *rand.Rand) (*Match, error) {
	if player1ID == "" || player2ID == "" || player1ID == player2ID {
		return nil, ErrSamePlayer
	}
	m := newMatch(settings, rng)
	m.s = MatchState{
		ID:        id,
		Player1ID: player1ID,
		Player2ID: player2ID,
		Paddle1Y:  50,
		Paddle2Y:  50,
		Status:    StatusActive,
	}
	centerBall(&m.s)
	m.machine = m.buildMachine(PhaseIdle)
	return m, nil
}

// Restore rebuilds a match from a replicated snapshot without re-running any
// phase entry effects, so a countdown or a rally resumes where it was.
func Restore(snap MatchState, settings Settings, rng *rand.Rand) *Match {
	m := newMatch(settings, rng)
	m.s = snap.clone()
	m.restoring = true
	m.machine = m.buildMachine(phaseOf(snap))
	m.restoring = false
	m.serveTicks = settings.TickRate
	return m
}

func newMatch(settings Settings, rng *rand.Rand) *Match {
	if settings.TickRate <= 0 {
		settings.TickRate = DefaultSettings().TickRate
	}
	if settings.WinningScore <= 0 {
		settings.WinningScore = DefaultWinningScore
	}
	return &Match{settings: settings, rng: rng}
}

func phaseOf(s MatchState) string {
	switch {
	case s.Status == StatusFinished:
		return PhaseFinished
	case s.Countdown > 0:
		return PhaseCountdown
	case s.BallDx != 0 || s.BallDy != 0:
		return PhasePlaying
	}
	return PhaseIdle
}

func (m *Match) buildMachine(initial string) *state.BaseStateMachine {
	m.phases = map[string]state.State{
		PhaseIdle:      &idlePhase{Base: state.Base{ID: PhaseIdle}},
		PhaseCountdown: &countdownPhase{Base: state.Base{ID: PhaseCountdown}, m: m},
		PhasePlaying:   &playingPhase{Base: state.Base{ID: PhasePlaying}, m: m},
		PhaseFinished:  &finishedPhase{Base: state.Base{ID: PhaseFinished}, m: m},
	}

	sm := state.NewBaseStateMachine(m.phases[initial])
	_ = sm.AddTransition(PhaseIdle, PhaseCountdown, nil)
	_ = sm.AddTransition(PhaseCountdown, PhasePlaying, nil)
	_ = sm.AddTransition(PhasePlaying, PhaseCountdown, nil)
	_ = sm.AddTransition(PhasePlaying, PhaseFinished, m.hasWinner)
	// Abandoning a match (superseded by a new one) ends it without a winner.
	_ = sm.AddTransition(PhaseIdle, PhaseFinished, nil)
	_ = sm.AddTransition(PhaseCountdown, PhaseFinished, nil)
	return sm
}

func (m *Match) hasWinner() bool {
	return m.s.Score1 >= m.settings.WinningScore || m.s.Score2 >= m.settings.WinningScore
}

func (m *Match) changeLocked(id string) error {
	return m.machine.ChangeState(m.phases[id])
}

// Start moves an idle match into the pre-serve countdown.
func (m *Match) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.changeLocked(PhaseCountdown); err != nil {
		return err
	}
	logger.Log.Infof("pong match %s started: %s vs %s", m.s.ID, m.s.Player1ID, m.s.Player2ID)
	return nil
}

// Abandon finishes the match without a winner. Finishing a match that has
// just been won is not possible through Abandon.
func (m *Match) Abandon() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.Is(PhaseFinished) {
		return nil
	}
	if m.machine.Is(PhasePlaying) {
		// Playing only finishes through a win, so go via the countdown.
		if err := m.changeLocked(PhaseCountdown); err != nil {
			return err
		}
	}
	return m.changeLocked(PhaseFinished)
}

// Tick advances the simulation by one fixed step.
func (m *Match) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machine.Update()
}

// Run ticks at the configured rate until ctx is done or the match finishes.
// onTick, when set, is called after every tick without the match lock.
func (m *Match) Run(ctx context.Context, onTick func()) {
	ticker := time.NewTicker(time.Second / time.Duration(m.settings.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
			if onTick != nil {
				onTick()
			}
			if m.Finished() {
				return
			}
		}
	}
}

func (m *Match) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ID
}

func (m *Match) Phase() string {
	return m.machine.GetCurrentState().GetID()
}

func (m *Match) Finished() bool {
	return m.machine.Is(PhaseFinished)
}

func (m *Match) Snapshot() MatchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.clone()
}

// MovePaddle nudges the paddle of playerID by one step.
func (m *Match) MovePaddle(playerID string, dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.GetCurrentState().HandleAction(state.PlayerID(playerID), moveAction(dir))
}

// ApplyPaddles merges paddle positions written by other replicas.
func (m *Match) ApplyPaddles(paddle1Y, paddle2Y float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Paddle1Y = clamp(paddle1Y, PaddleMin, PaddleMax)
	m.s.Paddle2Y = clamp(paddle2Y, PaddleMin, PaddleMax)
}

// Action is the wire form of a paddle command.
type Action struct {
	Type      string    `json:"type"`
	Direction Direction `json:"direction"`
}

func moveAction(dir Direction) []byte {
	data, _ := json.Marshal(Action{Type: "move", Direction: dir})
	return data
}

func (m *Match) moveLocked(player state.Player, actionData []byte) error {
	var action Action
	if err := json.Unmarshal(actionData, &action); err != nil {
		return fmt.Errorf("failed to unmarshal pong action: %w", err)
	}
	if action.Type != "move" {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
	dir, err := ParseDirection(string(action.Direction))
	if err != nil {
		return err
	}

	switch player.GetID() {
	case m.s.Player1ID:
		m.s.Paddle1Y = movePaddle(m.s.Paddle1Y, dir)
	case m.s.Player2ID:
		m.s.Paddle2Y = movePaddle(m.s.Paddle2Y, dir)
	default:
		return ErrNotInMatch
	}
	return nil
}

type idlePhase struct {
	state.Base
}

func (p *idlePhase) HandleAction(state.Player, []byte) error {
	return ErrMatchNotActive
}

type countdownPhase struct {
	state.Base
	m *Match
}

func (p *countdownPhase) OnEnter() {
	if p.m.restoring {
		return
	}
	centerBall(&p.m.s)
	p.m.s.Countdown = CountdownSeconds
	p.m.serveTicks = p.m.settings.TickRate
}

func (p *countdownPhase) OnUpdate() {
	centerBall(&p.m.s)
	p.m.serveTicks--
	if p.m.serveTicks > 0 {
		return
	}
	p.m.s.Countdown--
	if p.m.s.Countdown > 0 {
		p.m.serveTicks = p.m.settings.TickRate
		return
	}
	if err := p.m.changeLocked(PhasePlaying); err != nil {
		logger.Log.Errorf("pong match %s: %v", p.m.s.ID, err)
	}
}

func (p *countdownPhase) HandleAction(player state.Player, data []byte) error {
	return p.m.moveLocked(player, data)
}

type playingPhase struct {
	state.Base
	m *Match
}

func (p *playingPhase) OnEnter() {
	if p.m.restoring {
		return
	}
	p.m.s.Countdown = 0
	launch(&p.m.s, p.m.rng)
}

func (p *playingPhase) OnUpdate() {
	m := p.m
	switch step(&m.s) {
	case eventScore1:
		m.s.Score1++
	case eventScore2:
		m.s.Score2++
	default:
		return
	}

	logger.Log.Infof("pong match %s: %d-%d", m.s.ID, m.s.Score1, m.s.Score2)
	next := PhaseCountdown
	if m.hasWinner() {
		next = PhaseFinished
	}
	if err := m.changeLocked(next); err != nil {
		logger.Log.Errorf("pong match %s: %v", m.s.ID, err)
	}
}

func (p *playingPhase) HandleAction(player state.Player, data []byte) error {
	return p.m.moveLocked(player, data)
}

type finishedPhase struct {
	state.Base
	m *Match
}

func (p *finishedPhase) OnEnter() {
	if p.m.restoring {
		return
	}
	m := p.m
	centerBall(&m.s)
	m.s.Countdown = 0
	m.s.Status = StatusFinished
	switch {
	case m.s.Score1 >= m.settings.WinningScore:
		w := m.s.Player1ID
		m.s.WinnerID = &w
	case m.s.Score2 >= m.settings.WinningScore:
		w := m.s.Player2ID
		m.s.WinnerID = &w
	}
	if m.s.WinnerID != nil {
		logger.Log.Infof("pong match %s won by %s (%d-%d)", m.s.ID, *m.s.WinnerID, m.s.Score1, m.s.Score2)
	} else {
		logger.Log.Infof("pong match %s abandoned at %d-%d", m.s.ID, m.s.Score1, m.s.Score2)
	}
}

func (p *finishedPhase) HandleAction(state.Player, []byte) error {
	return ErrMatchNotActive
}
