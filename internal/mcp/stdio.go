package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/engramlabs/engram/internal/observability"
)

// maxLineSize bounds a single JSON-RPC line on stdio.
const maxLineSize = 1024 * 1024

// StdioTransport serves the protocol over line-delimited JSON: one
// compact object per line in each direction. All logging goes to the
// logger (stderr); stdout carries only protocol frames.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *observability.Logger
}

// NewStdioTransport wires a server to a reader/writer pair, normally
// os.Stdin and os.Stdout.
func NewStdioTransport(server *Server, in io.Reader, out io.Writer, logger *observability.Logger) *StdioTransport {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &StdioTransport{server: server, in: in, out: out, logger: logger}
}

// Run reads requests until EOF or context cancellation. EOF is a
// clean shutdown, not an error.
func (t *StdioTransport) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := t.server.Handle(ctx, line, "stdio")
		if resp == nil {
			continue
		}
		if err := t.writeResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	t.logger.Info(ctx, "stdin closed, shutting down")
	return nil
}

func (t *StdioTransport) writeResponse(resp *JSONRPCResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = t.out.Write(append(data, '\n'))
	return err
}
