package core

// Client is a live, authenticated connection as seen by the core layer. The
// bound user identity is set once, after credential verification, before the
// client is registered anywhere.
type Client struct {
	ConnID string
	UserID string
	Events chan *Event
}

// NewClient constructs a client with an initialized event channel.
func NewClient(connID, userID string) *Client {
	return &Client{
		ConnID: connID,
		UserID: userID,
		Events: make(chan *Event, 16),
	}
}
