// Package stream implements the newline-delimited JSON event framing used on
// the live turn response stream.
package stream

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// Well-known senders. Agent events use the agent id as sender.
const (
	SenderUser       = "user"
	SenderTool       = "tool"
	SenderSupervisor = "supervisor"
	SenderSystem     = "system"
)

// Event is one framed record on the response stream.
type Event struct {
	Sender string `json:"sender"`
	Text   string `json:"text,omitempty"`

	// Tool events.
	ToolID        string `json:"tool_id,omitempty"`
	ForAgent      string `json:"for_agent,omitempty"`
	ViaSupervisor bool   `json:"via_supervisor,omitempty"`

	// Supervisor events.
	RoutingDecision string `json:"routing_decision,omitempty"`
	ChosenAgent     string `json:"chosen_agent,omitempty"`
	SupervisorType  string `json:"supervisor_type,omitempty"`

	// Agent token streaming.
	StreamStart bool `json:"stream_start,omitempty"`
	StreamChunk bool `json:"stream_chunk,omitempty"`
	StreamEnd   bool `json:"stream_end,omitempty"`

	Error bool `json:"error,omitempty"`
}

// Sink receives events in causal order. Implementations must be safe for use
// from a single turn goroutine; Emit after Close returns ErrClosed.
type Sink interface {
	Emit(ev Event) error
	Close() error
}

var ErrClosed = errors.New("stream closed")

func User(text string) Event {
	return Event{Sender: SenderUser, Text: text}
}

func Tool(toolID, text, forAgent string, viaSupervisor bool) Event {
	return Event{Sender: SenderTool, ToolID: toolID, Text: text, ForAgent: forAgent, ViaSupervisor: viaSupervisor}
}

func Supervisor(text string) Event {
	return Event{Sender: SenderSupervisor, Text: text}
}

func SupervisorDecision(text, routingDecision, chosenAgent, supervisorType string) Event {
	return Event{
		Sender:          SenderSupervisor,
		Text:            text,
		RoutingDecision: routingDecision,
		ChosenAgent:     chosenAgent,
		SupervisorType:  supervisorType,
	}
}

func Start(agentID string) Event {
	return Event{Sender: agentID, StreamStart: true}
}

func Chunk(agentID, delta string) Event {
	return Event{Sender: agentID, StreamChunk: true, Text: delta}
}

func End(agentID, final string) Event {
	return Event{Sender: agentID, StreamEnd: true, Text: final}
}

func EndError(agentID, text string) Event {
	return Event{Sender: agentID, StreamEnd: true, Text: text, Error: true}
}

func SystemError(text string) Event {
	return Event{Sender: SenderSystem, Error: true, Text: text}
}

// Writer frames events as one JSON object per line on an io.Writer. When the
// writer also implements http.Flusher each frame is flushed immediately so
// clients see tokens as they arrive.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	enc     *json.Encoder
	closed  bool
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w, enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (sw *Writer) Emit(ev Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrClosed
	}
	if err := sw.enc.Encode(ev); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close marks the writer closed. Subsequent Emit calls fail; the underlying
// writer is not closed here because its lifetime belongs to the HTTP handler.
func (sw *Writer) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
	return nil
}

// Collector buffers events in memory. Used by the non-streaming turn endpoint
// and by tests to assert on the emitted frame sequence.
type Collector struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Emit(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Events returns a copy of everything emitted so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
