package agent

// ClientEvent is one outbound message on a customer connection. The
// gateway serializes it as JSON; Event selects the payload shape.
type ClientEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Outbound event names. The web client switches on these.
const (
	// EventStreamChunk carries one incremental text chunk.
	// Payload: {content}.
	EventStreamChunk = "chat-stream-chunk"
	// EventStreamEnd closes a reply stream.
	// Payload: {history}.
	EventStreamEnd = "chat-stream-end"
	// EventNotification is a generic tool outcome banner.
	// Payload: {type, message}.
	EventNotification = "notification"
	// EventImageAnalysis carries a vision tool result.
	// Payload: {analysis}.
	EventImageAnalysis = "image-analysis-result"
	// EventQuoteGenerated carries a full quote, QR code included.
	// Payload: quote data from the generate_quote tool.
	EventQuoteGenerated = "quote-generated"
	// EventDevRequest acknowledges a filed development request.
	// Payload: {title, issue_url}.
	EventDevRequest = "development-request-received"
	// EventError reports a turn that could not be processed.
	// Payload: {message}.
	EventError = "error"
	// EventHistoryLoaded answers a load-history request.
	// Payload: {history, rawHistory}.
	EventHistoryLoaded = "history-loaded"
)

// Emitter delivers client events for the turn in progress. The gateway
// supplies one per connection; it must not block.
type Emitter func(ClientEvent)
