// Package trace writes selected internal values of the decoder as semicolon separated lines
// to a file or a UDP destination, for offline analysis and plotting. Every trace starts with
// a header line that names the columns of its context.
package trace

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Tracer writes trace lines of one context. Lines of other contexts are ignored.
type Tracer interface {
	Context() string
	Header(context string, columns ...string)
	Start()
	Trace(context string, format string, args ...any)
	Stop()
}

type NoTracer struct{}

func (t *NoTracer) Context() string              { return "" }
func (t *NoTracer) Header(string, ...string)     {}
func (t *NoTracer) Start()                       {}
func (t *NoTracer) Trace(string, string, ...any) {}
func (t *NoTracer) Stop()                        {}

// New creates a tracer for the given context from a destination of the form
// file:<filename> or udp:<host:port>.
func New(context string, destination string) (Tracer, error) {
	protocol, target, found := strings.Cut(destination, ":")
	if !found || target == "" {
		return nil, fmt.Errorf("invalid trace destination %q, use file:<filename> or udp:<host:port>", destination)
	}

	switch strings.ToLower(protocol) {
	case "file":
		return NewFileTracer(context, target), nil
	case "udp":
		return NewUDPTracer(context, target), nil
	default:
		return nil, fmt.Errorf("unknown trace protocol %q", protocol)
	}
}

// lineTracer writes the lines of its context to an output that is opened on Start.
type lineTracer struct {
	context string
	target  string
	open    func() (io.WriteCloser, error)
	header  string
	out     io.WriteCloser
}

func (t *lineTracer) Context() string {
	return t.context
}

// Header sets the column names of the given context. They are written as the first line
// whenever the trace is started.
func (t *lineTracer) Header(context string, columns ...string) {
	if context != t.context {
		return
	}
	if len(columns) == 0 {
		t.header = ""
		return
	}
	t.header = strings.Join(columns, ";") + "\n"
}

func (t *lineTracer) Start() {
	if t.out != nil || t.open == nil {
		return
	}

	out, err := t.open()
	if err != nil {
		log.Error("cannot start trace", "context", t.context, "target", t.target, "error", err)
		return
	}
	t.out = out
	if t.header == "" {
		return
	}
	if _, err := io.WriteString(t.out, t.header); err != nil {
		log.Warn("cannot write trace header", "context", t.context, "error", err)
	}
}

func (t *lineTracer) Trace(context string, format string, args ...any) {
	if t.out == nil || context != t.context {
		return
	}
	fmt.Fprintf(t.out, format, args...)
}

func (t *lineTracer) Stop() {
	if t.out == nil {
		return
	}

	err := t.out.Close()
	if err != nil {
		log.Debug("cannot close trace", "context", t.context, "target", t.target, "error", err)
	}
	t.out = nil
}

// FileTracer writes into a file, which is truncated on every Start.
type FileTracer struct {
	lineTracer
}

func NewFileTracer(context string, filename string) *FileTracer {
	return &FileTracer{lineTracer{
		context: context,
		target:  filename,
		open: func() (io.WriteCloser, error) {
			return os.Create(filename)
		},
	}}
}

// UDPTracer sends every line as one datagram.
type UDPTracer struct {
	lineTracer
}

func NewUDPTracer(context string, destination string) *UDPTracer {
	result := &UDPTracer{lineTracer{context: context, target: destination}}
	addr, err := net.ResolveUDPAddr("udp", destination)
	if err != nil {
		log.Error("cannot parse UDP destination", "destination", destination, "error", err)
		return result
	}
	result.open = func() (io.WriteCloser, error) {
		return net.DialUDP("udp", nil, addr)
	}
	return result
}
