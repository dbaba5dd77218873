package dialogue

import "github.com/MrWong99/voxline/pkg/types"

// State is the session state owned by the controller.
type State int32

const (
	// Idle: the controller is not running.
	Idle State = iota

	// Listening: no turn is active; waiting for an utterance.
	Listening

	// Recognizing: the utterance of the active turn is being transcribed.
	Recognizing

	// AwaitingReply: the reasoning service is producing the reply.
	AwaitingReply

	// Speaking: reply audio is being played to the caller.
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Recognizing:
		return "recognizing"
	case AwaitingReply:
		return "awaiting_reply"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Reply is the text answer to one turn.
type Reply struct {
	TurnID uint64

	// Text may be empty, in which case nothing is spoken.
	Text string

	// Fallback is set when Text is the configured fallback because the
	// reasoning service failed or timed out.
	Fallback bool

	ToolResults []string
}

// history keeps the most recent completed exchanges.
type history struct {
	turns int
	msgs  []types.Message
}

func (h *history) add(user, assistant string) {
	if h.turns <= 0 {
		return
	}
	h.msgs = append(h.msgs,
		types.Message{Role: types.RoleUser, Content: user},
		types.Message{Role: types.RoleAssistant, Content: assistant},
	)
	if excess := len(h.msgs) - 2*h.turns; excess > 0 {
		h.msgs = append(h.msgs[:0:0], h.msgs[excess:]...)
	}
}

func (h *history) messages() []types.Message {
	return append([]types.Message(nil), h.msgs...)
}
