// Package service implements the FPGA request server: the accept loop, the
// per-connection handler and the execution of the FPGA host program.
//
// Overview
// The Server owns the listening socket. Every accepted connection is handed
// to a new goroutine running the ConnHandler; the accept loop never waits for
// one. Handlers share no state.
//
// Handler services one connection:
//   - reads the request with a single bounded read (content is ignored)
//   - runs the Invoker, by default a CommandInvoker starting the FPGA program
//   - writes ResponsePrefix + combined stdout/stderr in one write
//   - closes the connection on every path
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process, at most one per Runner
//   - captures stdout and stderr into a single buffer
//   - waits for (reaps) the process in its own goroutine
//   - exposes the terminal Result through WaitChan
//
// Data flow:
//
//	client        Server              Handler                Runner{cmd}
//	  |  connect    |                    |                       |
//	  |------------>| Accept()           |                       |
//	  |             |-- go Handle() ---->|                       |
//	  |  "hello"    |                    | Read()                |
//	  |--------------------------------->| Invoke() ------------>| Start() + Wait()
//	  |             |                    |<------ Result --------|
//	  |<------------------- prefix+out --| Write(), Close()      |
//
// Invariants:
//   - Each connection is owned by exactly one handler goroutine.
//   - A response is built only from the Result of its own invocation.
//   - Every started process is waited on before the handler writes.
//   - A failing or panicking handler does not stop the accept loop.
//   - Timeouts (read, write, process) are opt-in, zero means none.
//
// internal/service/server_test.go is the best source about how to properly
// use the Server.
package service
