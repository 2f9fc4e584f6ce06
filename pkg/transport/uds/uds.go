// Package uds implements the Unix domain socket Transport adapter:
// length-prefixed framing (u32 BE length || body) and a three-verb
// request/response codec (Append, Read, Subscribe), where a Subscribe
// promotes the connection to server-push mode for its remaining
// lifetime.
package uds

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/merkle"
	"github.com/Mindburn-Labs/ealedger/pkg/transport"
)

type appendRequest struct {
	Envelope envelope.Envelope `json:"envelope"`
}

type appendResponse struct {
	Index   int            `json:"index"`
	Receipt merkle.Receipt `json:"receipt"`
}

type readRequest struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type readResponse struct {
	Envelopes []envelope.Envelope `json:"envelopes"`
}

type subscribeRequest struct {
	QueueDepth int `json:"queue_depth"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server binds a network listener to an AppendLog, dispatching each
// accepted connection's requests against it.
type Server struct {
	Log       ledger.AppendLog
	Handshake *transport.AttestationHandshake
}

// NewServer constructs a Server, failing immediately if handshake is
// non-nil and does not verify.
func NewServer(log ledger.AppendLog, handshake *transport.AttestationHandshake) (*Server, error) {
	if handshake != nil {
		if err := transport.VerifyHandshake(*handshake); err != nil {
			return nil, fmt.Errorf("uds: %w", err)
		}
	}
	return &Server{Log: log, Handshake: handshake}, nil
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("uds: accept: %w", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		verb, payload, err := decodeRequest(frame)
		if err != nil {
			return
		}
		switch verb {
		case VerbAppend:
			s.handleAppend(ctx, conn, payload)
		case VerbRead:
			s.handleRead(ctx, conn, payload)
		case VerbSubscribe:
			s.handleSubscribe(conn, payload)
			return // connection is now dedicated to server-push
		default:
			writeError(conn, fmt.Errorf("uds: unknown verb %d", verb))
			return
		}
	}
}

func (s *Server) handleAppend(ctx context.Context, conn net.Conn, payload []byte) {
	var req appendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeError(conn, fmt.Errorf("uds: decode append request: %w", err))
		return
	}
	idx, receipt, err := s.Log.Append(ctx, req.Envelope)
	if err != nil {
		writeError(conn, err)
		return
	}
	writeOK(conn, appendResponse{Index: idx, Receipt: receipt})
}

func (s *Server) handleRead(ctx context.Context, conn net.Conn, payload []byte) {
	var req readRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeError(conn, fmt.Errorf("uds: decode read request: %w", err))
		return
	}
	envs, err := s.Log.Read(ctx, req.Offset, req.Limit)
	if err != nil {
		writeError(conn, err)
		return
	}
	writeOK(conn, readResponse{Envelopes: envs})
}

func (s *Server) handleSubscribe(conn net.Conn, payload []byte) {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeError(conn, fmt.Errorf("uds: decode subscribe request: %w", err))
		return
	}
	sub, err := s.Log.Subscribe(req.QueueDepth)
	if err != nil {
		writeError(conn, err)
		return
	}
	defer sub.Close()
	writeOK(conn, struct{}{})

	for env := range sub.Envelopes() {
		body, err := json.Marshal(env)
		if err != nil {
			return
		}
		if err := writeFrame(conn, encodeResponse(StatusOK, body)); err != nil {
			return
		}
	}
}

func writeOK(conn net.Conn, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(conn, err)
		return
	}
	_ = writeFrame(conn, encodeResponse(StatusOK, body))
}

func writeError(conn net.Conn, err error) {
	body, _ := json.Marshal(errorResponse{Error: err.Error()})
	_ = writeFrame(conn, encodeResponse(StatusError, body))
}

// Client speaks the UDS codec over a single Unix domain socket
// connection. Its Subscribe returns a bare channel, so Client does not
// implement transport.Transport.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a UDS server at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("uds: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the client's connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(verb Verb, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.conn, encodeRequest(verb, payload)); err != nil {
		return nil, err
	}
	frame, err := readFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("uds: read response: %w", err)
	}
	status, body, err := decodeResponse(frame)
	if err != nil {
		return nil, err
	}
	if status == StatusError {
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		return nil, fmt.Errorf("uds: server error: %s", e.Error)
	}
	return body, nil
}

// Append sends an Append request and waits for its response.
func (c *Client) Append(ctx context.Context, env envelope.Envelope) (int, merkle.Receipt, error) {
	payload, err := json.Marshal(appendRequest{Envelope: env})
	if err != nil {
		return 0, merkle.Receipt{}, err
	}
	body, err := c.call(VerbAppend, payload)
	if err != nil {
		return 0, merkle.Receipt{}, err
	}
	var resp appendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, merkle.Receipt{}, err
	}
	return resp.Index, resp.Receipt, nil
}

// Read sends a Read request and waits for its response.
func (c *Client) Read(ctx context.Context, offset, limit int) ([]envelope.Envelope, error) {
	payload, err := json.Marshal(readRequest{Offset: offset, Limit: limit})
	if err != nil {
		return nil, err
	}
	body, err := c.call(VerbRead, payload)
	if err != nil {
		return nil, err
	}
	var resp readResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Envelopes, nil
}

// Subscribe dedicates this client's connection to server-push mode; the
// returned channel is closed when the connection is lost. Because the
// underlying socket cannot multiplex request/response traffic once
// subscribed, callers that also need Append/Read should Dial a second
// Client for those calls.
func (c *Client) Subscribe(queueDepth int) (<-chan envelope.Envelope, error) {
	payload, err := json.Marshal(subscribeRequest{QueueDepth: queueDepth})
	if err != nil {
		return nil, err
	}
	if _, err := c.call(VerbSubscribe, payload); err != nil {
		return nil, err
	}

	out := make(chan envelope.Envelope, queueDepth)
	go func() {
		defer close(out)
		for {
			frame, err := readFrame(c.conn)
			if err != nil {
				return
			}
			_, body, err := decodeResponse(frame)
			if err != nil {
				return
			}
			var env envelope.Envelope
			if err := json.Unmarshal(body, &env); err != nil {
				return
			}
			out <- env
		}
	}()
	return out, nil
}
