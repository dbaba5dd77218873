package eventbus

import "github.com/MrWong99/voxline/internal/fault"

// FaultHook returns a hook that publishes every reported fault on p as a
// Fault event.
func FaultHook(p Publisher) fault.Hook {
	return func(f *fault.Error) {
		if f == nil {
			return
		}
		p.Publish(Event{
			Type:      Fault,
			TurnID:    f.TurnID,
			Component: f.Component,
			Err:       f.Err,
			Fault:     f.Kind,
		})
	}
}
