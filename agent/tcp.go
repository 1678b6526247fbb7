package agent

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/stellar/paylink/agent/conn"
	"github.com/stellar/paylink/agent/msg"
)

// connCaller adapts a single bilateral connection to the server's
// addressed caller. With one connection there is one counterparty, so
// the address is ignored.
type connCaller struct {
	conn *conn.Conn
}

func (c connCaller) Call(ctx context.Context, to string, data msg.ProtocolData) (msg.ProtocolData, error) {
	return c.conn.Call(ctx, data)
}

// ServeTCP listens on addr, accepts a single inbound connection, and
// binds it to the server. Deployments serving many accounts bring their
// own listener and resolver, this covers the single counterparty case.
func ServeTCP(addr string, s *Server, logWriter io.Writer) (*conn.Conn, error) {
	if logWriter == nil {
		logWriter = io.Discard
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	nc, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting incoming connection: %w", err)
	}
	fmt.Fprintf(logWriter, "accepted connection from %v\n", nc.RemoteAddr())
	c := conn.New(conn.Config{
		ReadWriter: nc,
		Remote:     nc.RemoteAddr().String(),
		Handler:    s,
		LogWriter:  logWriter,
	})
	s.SetCaller(connCaller{conn: c})
	return c, nil
}

// ConnectTCP dials addr and binds the connection to the client.
func ConnectTCP(addr string, cl *Client, logWriter io.Writer) (*conn.Conn, error) {
	if logWriter == nil {
		logWriter = io.Discard
	}
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	fmt.Fprintf(logWriter, "connected to %v\n", nc.RemoteAddr())
	c := conn.New(conn.Config{
		ReadWriter: nc,
		Remote:     nc.RemoteAddr().String(),
		Handler:    cl,
		LogWriter:  logWriter,
	})
	cl.SetCaller(c)
	return c, nil
}
