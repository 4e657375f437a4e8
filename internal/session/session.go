// Package session drives one guest's IPC conversation: it decodes
// 16-byte command records off a transport, dispatches them into the
// guest's mediation context, and posts replies for the commands that
// require one. The transport itself is pluggable — a Unix socket for the
// real front end, an in-process pair for tests — since the mediation
// engine only ever sees decoded records.
package session

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/nvmediator/a3/internal/record"
)

// Handler is the per-guest mediation surface a session drives, satisfied
// by *ctxt.Context.
type Handler interface {
	// Handle dispatches one command, returning the reply value and
	// whether a reply must be posted before the next command is accepted.
	Handle(cmd record.Command) (uint32, bool)
	// Close tears the guest's state down when the session ends.
	Close()
}

// Transport carries command records to and from one guest.
type Transport interface {
	Recv() (record.Command, error)
	Send(record.Command) error
}

// Session owns one guest's command loop.
type Session struct {
	ctx       Handler
	transport Transport
}

// New binds a handler to a transport.
func New(ctx Handler, t Transport) *Session {
	return &Session{ctx: ctx, transport: t}
}

// Run processes commands until the transport fails (guest disconnect),
// then closes the context. The first command — the INIT handshake — is
// always answered so the guest learns its assigned id; afterwards replies
// follow the handler's wait result.
func (s *Session) Run() error {
	defer s.ctx.Close()
	first := true
	for {
		cmd, err := s.transport.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			log.Printf("session: recv: %v", err)
			return err
		}

		value, wait := s.ctx.Handle(cmd)
		if wait || first {
			reply := cmd
			reply.Value = value
			if err := s.transport.Send(reply); err != nil {
				log.Printf("session: send: %v", err)
				return err
			}
		}
		first = false
	}
}

// StreamTransport frames command records over a byte stream (the Unix
// socket front end).
type StreamTransport struct {
	rw io.ReadWriter
}

// NewStreamTransport wraps rw.
func NewStreamTransport(rw io.ReadWriter) *StreamTransport {
	return &StreamTransport{rw: rw}
}

func (t *StreamTransport) Recv() (record.Command, error) {
	var buf [record.Length]byte
	if _, err := io.ReadFull(t.rw, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return record.Command{}, io.EOF
		}
		return record.Command{}, err
	}
	return record.Decode(buf[:])
}

func (t *StreamTransport) Send(cmd record.Command) error {
	buf := cmd.Encode()
	if _, err := t.rw.Write(buf[:]); err != nil {
		return fmt.Errorf("session: write reply: %w", err)
	}
	return nil
}

// ChannelTransport is an in-process Transport over a pair of Go channels,
// used by tests and the scripting harness. Closing Req ends the session
// as a guest disconnect would.
type ChannelTransport struct {
	Req chan record.Command
	Res chan record.Command
}

// NewChannelTransport allocates both directions with depth buffering.
func NewChannelTransport(depth int) *ChannelTransport {
	return &ChannelTransport{
		Req: make(chan record.Command, depth),
		Res: make(chan record.Command, depth),
	}
}

func (t *ChannelTransport) Recv() (record.Command, error) {
	cmd, ok := <-t.Req
	if !ok {
		return record.Command{}, io.EOF
	}
	return cmd, nil
}

func (t *ChannelTransport) Send(cmd record.Command) error {
	t.Res <- cmd
	return nil
}
