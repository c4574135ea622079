package coordinator

import "zigbee-actions/internal/action"

// touchlinkObserver forwards sequencer progress to the event bus.
type touchlinkObserver struct {
	events *EventBus
}

// NewTouchlinkObserver returns an action.Observer emitting touchlink_state
// and touchlink_channel events on events.
func NewTouchlinkObserver(events *EventBus) action.Observer {
	return &touchlinkObserver{events: events}
}

func (o *touchlinkObserver) StateChanged(state action.SessionState, channel uint8) {
	o.events.Emit(Event{Type: EventTouchlinkState, Data: TouchlinkStateEvent{State: state.String(), Channel: channel}})
}

func (o *touchlinkObserver) ChannelAttempted(channel uint8, err error) {
	ev := TouchlinkChannelEvent{Channel: channel, OK: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	o.events.Emit(Event{Type: EventTouchlinkChannel, Data: ev})
}
