// state/interfaces.go
package state

// Player is the minimal view of a participant that a state needs in order to
// authorise an action.
type Player interface {
	GetID() string
}

// PlayerID adapts a bare participant id to Player.
type PlayerID string

func (p PlayerID) GetID() string { return string(p) }
