// Package console is the interactive debug console backing the UTILITY
// command family: an operator attached to the mediator process can read
// raw registers, dump PGRAPH status and reset the shadowing counters
// without going through a guest session. It reads line commands through
// golang.org/x/term so it behaves on a raw TTY, and drives the same
// Handle dispatch a guest session would, so the console can never observe
// state a guest command couldn't.
package console

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/nvmediator/a3/internal/record"
)

// Handler is the command surface the console drives; satisfied by
// *ctxt.Context.
type Handler interface {
	Handle(cmd record.Command) (uint32, bool)
}

// Console reads operator commands from a terminal and issues UTILITY
// records against a mediation context.
type Console struct {
	ctx  Handler
	term *term.Terminal
}

// New builds a console over rw, typically an os.Stdin/os.Stdout pair that
// the caller has already put into raw mode with term.MakeRaw.
func New(ctx Handler, rw io.ReadWriter) *Console {
	t := term.NewTerminal(rw, "a3> ")
	return &Console{ctx: ctx, term: t}
}

// Run reads commands until EOF or "quit". Recognized commands:
//
//	reg <hex-offset>   read a BAR0 register raw
//	pgraph             dump PGRAPH status
//	clear              reset every context's shadowing counters
//	quit               leave the console
func (c *Console) Run() error {
	for {
		line, err := c.term.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if done := c.dispatch(strings.Fields(line)); done {
			return nil
		}
	}
}

func (c *Console) dispatch(fields []string) (done bool) {
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true

	case "reg":
		if len(fields) != 2 {
			fmt.Fprintln(c.term, "usage: reg <hex-offset>")
			return false
		}
		offset, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
		if err != nil {
			fmt.Fprintf(c.term, "bad offset %q: %v\n", fields[1], err)
			return false
		}
		value, _ := c.ctx.Handle(record.Command{
			Kind:   record.KindUtility,
			Value:  uint32(record.UtilityReadRegister),
			Offset: uint32(offset),
		})
		fmt.Fprintf(c.term, "0x%06x = 0x%08x\n", offset, value)

	case "pgraph":
		value, _ := c.ctx.Handle(record.Command{
			Kind:  record.KindUtility,
			Value: uint32(record.UtilityPGraphStatus),
		})
		fmt.Fprintf(c.term, "PGRAPH status 0x%08x\n", value)

	case "clear":
		c.ctx.Handle(record.Command{
			Kind:  record.KindUtility,
			Value: uint32(record.UtilityClearCounters),
		})
		fmt.Fprintln(c.term, "shadowing counters cleared")

	default:
		fmt.Fprintf(c.term, "unknown command %q (reg/pgraph/clear/quit)\n", fields[0])
	}
	return false
}
