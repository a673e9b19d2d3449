package state

import (
	"errors"
	"fmt"
	"sync"
)

// StateMachine drives a set of states through an enumerated transition table.
type StateMachine interface {
	ChangeState(state State) error
	GetCurrentState() State
	AddTransition(from, to string, condition func() bool) error
	Update()
}

// State is one phase of a machine.
type State interface {
	OnEnter()
	OnExit()
	OnUpdate()
	GetID() string
	HandleAction(player Player, actionData []byte) error
}

// ErrTransitionNotAllowed is returned when the transition is not in the table
// or its condition rejects it.
var ErrTransitionNotAllowed = errors.New("state transition not allowed")

// BaseStateMachine only permits transitions registered with AddTransition.
type BaseStateMachine struct {
	currentState State
	transitions  map[string]map[string]func() bool // fromState -> toState -> condition
	mutex        sync.RWMutex
}

func NewBaseStateMachine(initialState State) *BaseStateMachine {
	machine := &BaseStateMachine{
		currentState: initialState,
		transitions:  make(map[string]map[string]func() bool),
	}
	initialState.OnEnter()
	return machine
}

func (sm *BaseStateMachine) ChangeState(newState State) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	currentID := sm.currentState.GetID()
	newID := newState.GetID()

	conditions, ok := sm.transitions[currentID]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, currentID, newID)
	}
	condition, ok := conditions[newID]
	if !ok || (condition != nil && !condition()) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, currentID, newID)
	}

	sm.currentState.OnExit()
	sm.currentState = newState
	sm.currentState.OnEnter()

	return nil
}

func (sm *BaseStateMachine) GetCurrentState() State {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

// AddTransition registers from -> to. A nil condition always allows it.
func (sm *BaseStateMachine) AddTransition(from, to string, condition func() bool) error {
	if from == "" || to == "" {
		return errors.New("state ids must not be empty")
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[string]func() bool)
	}

	sm.transitions[from][to] = condition
	return nil
}

// Update runs OnUpdate on the current state. The machine lock is not held
// while the state runs, so OnUpdate may call ChangeState.
func (sm *BaseStateMachine) Update() {
	if current := sm.GetCurrentState(); current != nil {
		current.OnUpdate()
	}
}

// Is reports whether the current state has the given id.
func (sm *BaseStateMachine) Is(id string) bool {
	return sm.GetCurrentState().GetID() == id
}

// Base provides no-op lifecycle methods for embedding.
type Base struct {
	ID string
}

func (s *Base) GetID() string {
	return s.ID
}

func (s *Base) OnEnter() {}

func (s *Base) OnExit() {}

func (s *Base) OnUpdate() {}

func (s *Base) HandleAction(player Player, actionData []byte) error {
	return fmt.Errorf("%w: %s does not accept actions", ErrTransitionNotAllowed, s.ID)
}
