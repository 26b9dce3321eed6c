package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Xilinx/fpga-server/internal/log"
	"github.com/Xilinx/fpga-server/internal/model"
	"github.com/Xilinx/fpga-server/internal/tracing"
)

// State is the position of a connection in its handler.
type State int

const (
	StateAccepted State = iota
	StateReading
	StateInvoking
	StateWriting
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateInvoking:
		return "invoking"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Invoker runs the external computation for one request.
type Invoker interface {
	Invoke(ctx context.Context) Result
}

type InvokerFunc func(ctx context.Context) Result

func (f InvokerFunc) Invoke(ctx context.Context) Result {
	return f(ctx)
}

// CommandInvoker starts a fresh process of Command for every call.
type CommandInvoker struct {
	Command Command
}

func (i CommandInvoker) Invoke(ctx context.Context) Result {
	return Run(ctx, i.Command)
}

// Handler services exactly one connection per Handle call: a single bounded
// read, one invocation, one write, close.
type Handler struct {
	maxRequest   int
	readTimeout  time.Duration
	writeTimeout time.Duration
	status       bool
	invoker      Invoker
}

func NewHandler(cfg model.Server, invoker Invoker) *Handler {
	maxRequest := cfg.MaxRequest
	if maxRequest <= 0 {
		maxRequest = 4096
	}
	return &Handler{
		maxRequest:   maxRequest,
		readTimeout:  cfg.ReadTimeout.Std(),
		writeTimeout: cfg.WriteTimeout.Std(),
		status:       cfg.Status,
		invoker:      invoker,
	}
}

// Handle reads the request, runs the invoker and writes the response. The
// connection is closed on every path. The returned state is StateClosed when
// a response was written, StateError when the exchange failed, or when the
// invocation failed and responses carry a status line.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) (state State) {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	ctx = log.ContextAttrs(ctx, slog.Group("conn",
		slog.String("id", id),
		slog.String("remote", remote),
	))
	ctx, span := tracing.Start(ctx, "fpga.connection", trace.SpanKindServer,
		attribute.String("conn.id", id),
		attribute.String("net.peer", remote),
	)

	// err is the exchange failure, invokeErr a failed invocation which was
	// still answered
	var err, invokeErr error
	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			slog.DebugContext(ctx, "closing connection", "error", cerr)
		}
		span.SetAttributes(attribute.String("state", state.String()))
		tracing.End(span, errors.Join(err, invokeErr))
		slog.DebugContext(ctx, "connection closed", "state", state.String())
	}()

	state = StateReading
	req, err := h.read(conn)
	if err != nil {
		if errors.Is(err, model.ErrEmptyRequest) {
			slog.InfoContext(ctx, "empty request: nothing to do")
		} else {
			slog.WarnContext(ctx, "reading request failed", "error", err)
		}
		return StateError
	}
	slog.DebugContext(ctx, "request received", "bytes", len(req), "request", string(req))

	state = StateInvoking
	res := h.invoke(ctx)
	if !res.Success() {
		invokeErr = res.Err
		if invokeErr == nil {
			invokeErr = errors.New(failure(res))
		}
	}

	state = StateWriting
	resp := Response(res, h.status)
	if err = h.write(conn, resp); err != nil {
		slog.WarnContext(ctx, "writing response failed", "error", err)
		return StateError
	}

	slog.InfoContext(ctx, "request served",
		"exit_code", res.ExitCode(),
		"duration", res.Stopped.Sub(res.Started).String(),
		"bytes", len(resp),
	)
	if h.status && !res.Success() {
		return StateError
	}
	return StateClosed
}

func (h *Handler) read(conn net.Conn) ([]byte, error) {
	if h.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
	}
	// one read only, anything above maxRequest is dropped
	buf := make([]byte, h.maxRequest)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, model.ErrEmptyRequest
	}
	return nil, fmt.Errorf("reading request: %w", err)
}

func (h *Handler) invoke(ctx context.Context) Result {
	ctx, span := tracing.Start(ctx, "fpga.invoke", trace.SpanKindInternal)
	res := h.invoker.Invoke(ctx)
	span.SetAttributes(
		attribute.String("process.path", res.Path),
		attribute.Int("process.exit_code", res.ExitCode()),
	)
	tracing.End(span, res.Err)

	if !res.Success() {
		slog.WarnContext(ctx, "invocation failed",
			"path", res.Path,
			"exit_code", res.ExitCode(),
			"error", res.Err,
		)
	}
	return res
}

func (h *Handler) write(conn net.Conn, b []byte) error {
	if h.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// Response formats res for the wire: the prefix followed by the captured
// output. A process which could not be started has no output, the start error
// is sent instead. withStatus inserts a Status line after the prefix.
func Response(res Result, withStatus bool) []byte {
	var b bytes.Buffer
	b.WriteString(model.ResponsePrefix)
	if withStatus {
		b.WriteString(StatusLine(res))
	}
	b.Write(res.Bytes())
	if res.State == nil && res.Err != nil {
		b.WriteString(res.Err.Error())
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func StatusLine(res Result) string {
	if res.Success() {
		return "Status: OK\n"
	}
	return "Status: ERROR (" + failure(res) + ")\n"
}

func failure(res Result) string {
	switch {
	case res.Err != nil:
		return res.Err.Error()
	case res.State != nil:
		return "exit code " + strconv.Itoa(res.ExitCode())
	}
	return "not started"
}
