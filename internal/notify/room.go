package notify

import "context"

// RoomBroadcaster pushes a message to the clients watching an order
type RoomBroadcaster interface {
	BroadcastOrder(orderID int, event string, payload any) bool
}

// RoomSink forwards events to the websocket room of the order
type RoomSink struct {
	rooms RoomBroadcaster
}

// NewRoomSink creates a websocket sink
func NewRoomSink(rooms RoomBroadcaster) *RoomSink {
	return &RoomSink{rooms: rooms}
}

// Name implements Sink
func (s *RoomSink) Name() string { return "ws" }

// Send implements Sink
func (s *RoomSink) Send(ctx context.Context, e Event) error {
	s.rooms.BroadcastOrder(e.OrderID, "order:event", e)
	return nil
}
