// Package conn implements the bilateral messaging transport the agent
// roles ride on. Messages are gob envelopes over any io.ReadWriter,
// with responses correlated to requests by request id. Inbound requests
// are dispatched to a handler, outbound requests block until the
// correlated response arrives.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/stellar/paylink/agent/msg"
)

// ErrClosed indicates the underlying connection has closed.
var ErrClosed = errors.New("connection closed")

// Handler handles an inbound request's protocol data and returns the
// protocol data for the response. Both agent roles implement Handler.
type Handler interface {
	HandleData(ctx context.Context, from string, data msg.ProtocolData) (msg.ProtocolData, error)
}

// Config contains the information that can be supplied to configure a
// Conn at construction.
type Config struct {
	ReadWriter io.ReadWriter

	// Remote is the wire-level identity of the counterparty, passed to
	// the handler as the sender of inbound requests.
	Remote string

	Handler Handler

	LogWriter io.Writer
}

// New constructs a Conn and starts reading from the connection. The
// read loop runs until the connection errors or reaches EOF.
func New(c Config) *Conn {
	logWriter := c.LogWriter
	if logWriter == nil {
		logWriter = io.Discard
	}
	conn := &Conn{
		remote:    c.Remote,
		handler:   c.Handler,
		logWriter: logWriter,
		enc:       msg.NewEncoder(io.MultiWriter(c.ReadWriter, logWriter)),
		dec:       msg.NewDecoder(io.TeeReader(c.ReadWriter, logWriter)),
		pending:   make(map[uint64]chan response),
		done:      make(chan struct{}),
	}
	go conn.readLoop()
	return conn
}

// Conn correlates request and response messages over a single
// bilateral connection.
type Conn struct {
	remote    string
	handler   Handler
	logWriter io.Writer
	dec       *msg.Decoder
	done      chan struct{}

	// writeMu serializes writes to the encoder, which interleaves
	// responses with outgoing requests.
	writeMu sync.Mutex
	enc     *msg.Encoder

	// mu guards the pending map and the request id counter.
	mu            sync.Mutex
	nextRequestID uint64
	pending       map[uint64]chan response
}

type response struct {
	data msg.ProtocolData
	err  string
}

// Done is closed when the connection has stopped reading.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Call sends a request carrying the given protocol data and blocks
// until the correlated response arrives, the context is done, or the
// connection closes.
func (c *Conn) Call(ctx context.Context, data msg.ProtocolData) (msg.ProtocolData, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	c.mu.Lock()
	c.nextRequestID++
	id := c.nextRequestID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.write(msg.Message{Type: msg.TypeRequest, RequestID: id, ProtocolData: data})
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("sending request %d: %w", id, err)
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.done:
		c.removePending(id)
		return nil, ErrClosed
	case r := <-ch:
		if r.err != "" {
			return nil, fmt.Errorf("remote error: %s", r.err)
		}
		return r.data, nil
	}
}

func (c *Conn) write(m msg.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(m)
}

func (c *Conn) removePending(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		m := msg.Message{}
		err := c.dec.Decode(&m)
		if err == io.EOF {
			fmt.Fprintf(c.logWriter, "connection to %s closed, stopping reading\n", c.remote)
			return
		}
		if err != nil {
			fmt.Fprintf(c.logWriter, "error reading from %s: %v\n", c.remote, err)
			return
		}
		switch m.Type {
		case msg.TypeRequest:
			go c.serveRequest(m)
		case msg.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[m.RequestID]
			delete(c.pending, m.RequestID)
			c.mu.Unlock()
			if !ok {
				fmt.Fprintf(c.logWriter, "dropping response for unknown request %d\n", m.RequestID)
				continue
			}
			ch <- response{data: m.ProtocolData, err: m.Error}
		default:
			fmt.Fprintf(c.logWriter, "dropping message of unrecognized type %d\n", m.Type)
		}
	}
}

// serveRequest dispatches one inbound request to the handler and writes
// the response back with the request's id. Handler errors travel back
// to the requester as protocol-level errors.
func (c *Conn) serveRequest(m msg.Message) {
	resp := msg.Message{Type: msg.TypeResponse, RequestID: m.RequestID}
	data, err := c.handler.HandleData(context.Background(), c.remote, m.ProtocolData)
	if err != nil {
		fmt.Fprintf(c.logWriter, "error handling request %d from %s: %v\n", m.RequestID, c.remote, err)
		resp.Error = err.Error()
	} else {
		resp.ProtocolData = data
	}
	err = c.write(resp)
	if err != nil {
		fmt.Fprintf(c.logWriter, "error responding to request %d from %s: %v\n", m.RequestID, c.remote, err)
	}
}
