package playback

// State is the clock's position in the playback lifecycle.
type State int

const (
	StateIdle         State = iota // Not initialized
	StateInitializing              // Waiting for the stream to initialize
	StatePlaying                   // Tracking the engine at normal rate
	StateSeeking                   // Engine is seeking
	StateCatchingUp                // Rate adjusted toward the live delay target
	StateEnded                     // End of media reached
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateInitializing: "initializing",
	StatePlaying:      "playing",
	StateSeeking:      "seeking",
	StateCatchingUp:   "catching_up",
	StateEnded:        "ended",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// allowedTransitions lists the states reachable from each state. Reset to
// idle is always allowed and handled separately.
var allowedTransitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StatePlaying, StateSeeking, StateEnded},
	StatePlaying:      {StateSeeking, StateCatchingUp, StateEnded},
	StateSeeking:      {StatePlaying, StateCatchingUp, StateEnded},
	StateCatchingUp:   {StatePlaying, StateSeeking, StateEnded},
	StateEnded:        {StateSeeking, StatePlaying},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
