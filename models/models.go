// models/models.go
package models

import (
	"time"

	"github.com/wfunc/crawlparty/deck"
)

const (
	TableParticipants = "participants"
	TableDrinkLog     = "drink_log"
	TableRouteStops   = "route_stops"
	TableCrawlState   = "crawl_state"
	TablePongMatches  = "pong_matches"
	TableCurrentMatch = "current_match"
)

// Tables lists every table in migration order.
var Tables = []string{
	TableParticipants,
	TableDrinkLog,
	TableRouteStops,
	TableCrawlState,
	TablePongMatches,
	TableCurrentMatch,
}

const (
	CrawlStateID   = "00000000-0000-0000-0000-000000000001"
	CurrentMatchID = "00000000-0000-0000-0000-000000000002"
)

// Record is anything the store can insert; ids are generated when empty.
type Record interface {
	GetID() string
	SetID(id string)
}

// Participant 参与者
type Participant struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name" gorm:"not null"`
	Beers     int       `json:"beers" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
}

func (Participant) TableName() string  { return TableParticipants }
func (p *Participant) GetID() string   { return p.ID }
func (p *Participant) SetID(id string) { p.ID = id }

// DrinkEntry is one logged drink.
type DrinkEntry struct {
	ID            string    `json:"id" gorm:"primaryKey;type:uuid"`
	ParticipantID string    `json:"participant_id" gorm:"type:uuid;index;not null"`
	Timestamp     time.Time `json:"timestamp" gorm:"not null"`
}

func (DrinkEntry) TableName() string  { return TableDrinkLog }
func (d *DrinkEntry) GetID() string   { return d.ID }
func (d *DrinkEntry) SetID(id string) { d.ID = id }

type RouteStop struct {
	ID         string  `json:"id" yaml:"-" gorm:"primaryKey;type:uuid"`
	OrderIndex int     `json:"order_index" yaml:"order_index" gorm:"not null"`
	Name       string  `json:"name" yaml:"name" gorm:"not null"`
	Address    string  `json:"address" yaml:"address"`
	Note       *string `json:"note" yaml:"note,omitempty"`
	Completed  bool    `json:"completed" yaml:"-" gorm:"not null;default:false"`
}

func (RouteStop) TableName() string  { return TableRouteStops }
func (r *RouteStop) GetID() string   { return r.ID }
func (r *RouteStop) SetID(id string) { r.ID = id }

// CrawlState is the singleton row shared by every replica.
type CrawlState struct {
	ID                   string     `json:"id" gorm:"primaryKey;type:uuid"`
	TimerTarget          *time.Time `json:"timer_target"`
	TimerDuration        int        `json:"timer_duration" gorm:"not null;default:0"`
	ActiveStopID         *string    `json:"active_stop_id" gorm:"type:uuid"`
	MoodScore            int        `json:"mood_score" gorm:"not null;default:0"`
	ArrivalCooldownUntil *time.Time `json:"arrival_cooldown_until"`
	RoundCooldownUntil   *time.Time `json:"round_cooldown_until"`
	LastRoundWinnerID    *string    `json:"last_round_winner_id" gorm:"type:uuid"`

	OverUnderStreak         int        `json:"over_under_streak" gorm:"not null;default:0"`
	OverUnderCurrentCard    *deck.Card `json:"over_under_current_card" gorm:"type:jsonb"`
	OverUnderLastCard       *deck.Card `json:"over_under_last_card" gorm:"type:jsonb"`
	OverUnderDeck           deck.Cards `json:"over_under_deck" gorm:"type:jsonb"`
	OverUnderMessage        string     `json:"over_under_message"`
	OverUnderPenalty        *int       `json:"over_under_penalty"`
	OverUnderActivePlayerID *string    `json:"over_under_active_player_id" gorm:"type:uuid"`
	AceMode                 string     `json:"ace_mode" gorm:"not null;default:both"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (CrawlState) TableName() string  { return TableCrawlState }
func (c *CrawlState) GetID() string   { return c.ID }
func (c *CrawlState) SetID(id string) { c.ID = id }

// PongMatch keeps one row per match; finished rows stay as history.
type PongMatch struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	Player1ID string    `json:"player1_id" gorm:"type:uuid;not null"`
	Player2ID string    `json:"player2_id" gorm:"type:uuid;not null"`
	Score1    int       `json:"score1" gorm:"not null;default:0"`
	Score2    int       `json:"score2" gorm:"not null;default:0"`
	BallX     float64   `json:"ball_x"`
	BallY     float64   `json:"ball_y"`
	BallDx    float64   `json:"ball_dx"`
	BallDy    float64   `json:"ball_dy"`
	Paddle1Y  float64   `json:"paddle1_y"`
	Paddle2Y  float64   `json:"paddle2_y"`
	Status    string    `json:"status" gorm:"index;not null"`
	WinnerID  *string   `json:"winner_id" gorm:"type:uuid"`
	Countdown int       `json:"countdown"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PongMatch) TableName() string  { return TablePongMatches }
func (m *PongMatch) GetID() string   { return m.ID }
func (m *PongMatch) SetID(id string) { m.ID = id }

// CurrentMatch points at the live match and carries the simulation lease.
type CurrentMatch struct {
	ID         string    `json:"id" gorm:"primaryKey;type:uuid"`
	MatchID    *string   `json:"match_id" gorm:"type:uuid"`
	OwnerID    string    `json:"owner_id"`
	LeaseUntil time.Time `json:"lease_until"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (CurrentMatch) TableName() string  { return TableCurrentMatch }
func (c *CurrentMatch) GetID() string   { return c.ID }
func (c *CurrentMatch) SetID(id string) { c.ID = id }
