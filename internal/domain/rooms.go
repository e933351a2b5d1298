package domain

// RoomKind is the audience of a broadcast channel.
type RoomKind string

const (
	RoomPlayers   RoomKind = "game"
	RoomDashboard RoomKind = "dashboard"
	RoomProjector RoomKind = "projection"
	RoomLobby     RoomKind = "lobby"
)

// Room is a broadcast channel. Player and lobby rooms are keyed by access
// code, dashboard and projector rooms by instance id.
type Room struct {
	Kind RoomKind `json:"kind"`
	ID   string   `json:"id"`
}

// Name is the stable channel name, e.g. "game_ABC123".
func (r Room) Name() string {
	return string(r.Kind) + "_" + r.ID
}

func PlayerRoom(accessCode string) Room {
	return Room{Kind: RoomPlayers, ID: accessCode}
}

func LobbyRoom(accessCode string) Room {
	return Room{Kind: RoomLobby, ID: accessCode}
}

func DashboardRoom(instanceID string) Room {
	return Room{Kind: RoomDashboard, ID: instanceID}
}

func ProjectorRoom(instanceID string) Room {
	return Room{Kind: RoomProjector, ID: instanceID}
}
