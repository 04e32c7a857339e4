package frame

// EventType classifies a decoded frame by the kind of realtime event it
// carries.
type EventType string

const (
	EventCipherKey     EventType = "cipher_key"
	EventPing          EventType = "ping"
	EventMessage       EventType = "message"
	EventOldMessages   EventType = "old_messages"
	EventSeenDelivered EventType = "seen_delivered"
	EventControl       EventType = "control"
	EventTyping        EventType = "typing"
	EventOldReactions  EventType = "old_reactions"
	EventReaction      EventType = "reaction"
	EventDuplicate     EventType = "duplicate"
	EventUnknown       EventType = "unknown"
)

// ThreadType says whether an event belongs to a direct (user) or group
// thread. Control-plane events carry ThreadNone.
type ThreadType string

const (
	ThreadNone  ThreadType = ""
	ThreadUser  ThreadType = "user"
	ThreadGroup ThreadType = "group"
)

// Gateway commands. Must fit in uint16.
const (
	CmdCipherKey         uint16 = 1
	CmdPing              uint16 = 2
	CmdMessageUser       uint16 = 501
	CmdSeenUser          uint16 = 502
	CmdOldMessagesUser   uint16 = 510
	CmdOldMessagesGroup  uint16 = 511
	CmdMessageGroup      uint16 = 521
	CmdSeenGroup         uint16 = 522
	CmdControl           uint16 = 601
	CmdTyping            uint16 = 602
	CmdOldReactionsUser  uint16 = 610
	CmdOldReactionsGroup uint16 = 611
	CmdReaction          uint16 = 612
	CmdDuplicate         uint16 = 3000
)

type routeKey struct {
	cmd uint16
	sub uint8
}

type routeEntry struct {
	event  EventType
	thread ThreadType
}

var routes = map[routeKey]routeEntry{
	{CmdCipherKey, 1}:         {EventCipherKey, ThreadNone},
	{CmdPing, 1}:              {EventPing, ThreadNone},
	{CmdMessageUser, 0}:       {EventMessage, ThreadUser},
	{CmdMessageGroup, 0}:      {EventMessage, ThreadGroup},
	{CmdOldMessagesUser, 1}:   {EventOldMessages, ThreadUser},
	{CmdOldMessagesGroup, 1}:  {EventOldMessages, ThreadGroup},
	{CmdSeenUser, 0}:          {EventSeenDelivered, ThreadUser},
	{CmdSeenGroup, 0}:         {EventSeenDelivered, ThreadGroup},
	{CmdControl, 0}:           {EventControl, ThreadNone},
	{CmdTyping, 0}:            {EventTyping, ThreadNone},
	{CmdOldReactionsUser, 1}:  {EventOldReactions, ThreadUser},
	{CmdOldReactionsGroup, 1}: {EventOldReactions, ThreadGroup},
	{CmdDuplicate, 0}:         {EventDuplicate, ThreadNone},
}

// Route classifies a command pair. Reactions (cmd 612) match any subCmd;
// every unmapped pair is EventUnknown.
func Route(cmd uint16, subCmd uint8) (EventType, ThreadType) {
	if cmd == CmdReaction {
		return EventReaction, ThreadNone
	}
	if r, ok := routes[routeKey{cmd, subCmd}]; ok {
		return r.event, r.thread
	}
	return EventUnknown, ThreadNone
}

// needsDecryption holds the event types whose payloads arrive encrypted
// with the connection's realtime key.
var needsDecryption = map[EventType]bool{
	EventMessage:       true,
	EventReaction:      true,
	EventOldReactions:  true,
	EventOldMessages:   true,
	EventTyping:        true,
	EventSeenDelivered: true,
}

// NeedsDecryption reports whether payloads of the given event type must be
// decrypted before decoding.
func NeedsDecryption(et EventType) bool { return needsDecryption[et] }

// Compression identifies the post-decryption encoding of a data payload,
// read from the payload's "encrypt" field.
type Compression uint8

const (
	CompressionNone    Compression = iota // 0 and 3: plaintext
	CompressionGzip                       // 1: gzip
	CompressionGzipURL                    // 2: URL-decode, then gzip
)

// CompressionFromEncrypt maps the wire "encrypt" field to a Compression.
// ok is false for values the protocol does not define; callers log those
// instead of guessing a decode path.
func CompressionFromEncrypt(v int) (Compression, bool) {
	switch v {
	case 0, 3:
		return CompressionNone, true
	case 1:
		return CompressionGzip, true
	case 2:
		return CompressionGzipURL, true
	default:
		return CompressionNone, false
	}
}
