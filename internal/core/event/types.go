package event

// Driver lifecycle events. Emitters carry object paths rather than
// pointers so handlers never outlive a destructed object by accident.

type ObjectLoaded struct {
	Path string
}

type ObjectDestructed struct {
	Path string
}

type PlayerLoggedIn struct {
	PlayerPath string
	Name       string
}

type PlayerDisconnected struct {
	PlayerPath string
	Name       string
	Reason     string
}

type ScriptChanged struct {
	Path string
}

type ShutdownRequested struct {
	Reason string
}
