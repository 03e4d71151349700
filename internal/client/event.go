package client

// EventKind represents the type of an Event
type EventKind int

const (
	// EventMessage is a chat message. ID, Sender and Text are set.
	EventMessage EventKind = iota
	// EventRecall retracts the message with ID.
	EventRecall
	// EventPresence carries the current roster in Names.
	EventPresence
	// EventAttachment carries a relayed file in Attachment.
	EventAttachment
	// EventNotice is a server notice in Text.
	EventNotice
	// EventError is a private error from the server in Text.
	EventError
	// EventRaw is a line the client could not interpret, shown as-is.
	EventRaw
	// EventStatus reports connection state; Err is set on failure.
	EventStatus
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventRecall:
		return "recall"
	case EventPresence:
		return "presence"
	case EventAttachment:
		return "attachment"
	case EventNotice:
		return "notice"
	case EventError:
		return "error"
	case EventRaw:
		return "raw"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Attachment is a file relayed by the server.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// Event is one thing that happened on the connection.
type Event struct {
	Kind       EventKind
	ID         string
	Sender     string
	Text       string
	Names      []string
	Attachment *Attachment
	Err        error
}
