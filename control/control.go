// Package control provides a line based TCP interface to operate the decoder. Every command
// is answered with exactly one line that starts with OK or ERR. Detections are announced to all
// connections as lines that start with DETECTION.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ftl/cvep/bci"
	"github.com/ftl/cvep/decode"
	"github.com/ftl/cvep/stim"
)

const (
	newConnectionDeadline     = 100 * time.Millisecond
	connectionKeepAlivePeriod = 30 * time.Second
	readBufferSize            = 1024
)

// Engine is the part of the decoder that is operated through the control interface.
type Engine interface {
	SubmitCalibrationSpan(code stim.Code, duration time.Duration) error
	StartTraining(ctx context.Context) error
	Tick() []decode.Detection
	GetConsensusAndReset() (stim.Code, error)
	Status() bci.Status
	ChannelQuality() ([]bci.ChannelQuality, error)
}

// Stimulator selects the stimulated code of a synthetic source.
type Stimulator interface {
	SetCode(code stim.Code) error
}

type Server struct {
	listener   *net.TCPListener
	engine     Engine
	stimulator Stimulator
	version    string

	connections []*Connection

	ctx    context.Context
	cancel context.CancelFunc
	msg    chan []byte
	close  chan struct{}
	closed chan struct{}
}

// NewServer listens on the given address. The stimulator may be nil.
func NewServer(address string, engine Engine, stimulator Stimulator, version string) (*Server, error) {
	localAddress, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenTCP("tcp", localAddress)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := &Server{
		listener:   listener,
		engine:     engine,
		stimulator: stimulator,
		version:    version,
		ctx:        ctx,
		cancel:     cancel,
		msg:        make(chan []byte, 1),
		close:      make(chan struct{}),
		closed:     make(chan struct{}),
	}

	go result.run()

	log.Info("control server listening", "address", listener.Addr())
	return result, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) run() {
	defer close(s.closed)
	defer s.listener.Close()
	welcome := fmt.Sprintf("OK cvep %s\n", s.version)

	removeConnections := make([]int, 0, 10)
	for {
		select {
		case <-s.close:
			for _, conn := range s.connections {
				conn.Close()
			}
			return
		case bytes := <-s.msg:
			removeConnections = removeConnections[:0]
			for i, conn := range s.connections {
				_, err := conn.Write(bytes)
				if err != nil {
					log.Debug("found closed connection", "remote", conn)
					removeConnections = append(removeConnections, i)
				}
			}
			for i, index := range removeConnections {
				s.removeConnection(index - i)
			}
		default:
			err := s.listener.SetDeadline(time.Now().Add(newConnectionDeadline))
			if err != nil {
				log.Error("setting the listener deadline failed", "error", err)
				return
			}
			conn, err := s.listener.AcceptTCP()
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// ignore, nobody is calling
				continue
			} else if err != nil {
				log.Warn("cannot accept connection", "error", err)
				continue
			}

			log.Info("new control connection", "remote", conn.RemoteAddr())
			conn.SetKeepAlivePeriod(connectionKeepAlivePeriod)
			conn.SetKeepAlive(true)
			connection := NewConnection(conn, conn.RemoteAddr().String(), welcome, s.execute)
			s.connections = append(s.connections, connection)
		}
	}
}

func (s *Server) removeConnection(index int) {
	if index < 0 || index >= len(s.connections) {
		return
	}
	log.Debug("removing connection", "remote", s.connections[index])
	last := len(s.connections) - 1
	if index < last {
		copy(s.connections[index:], s.connections[index+1:])
	}
	s.connections[last] = nil
	s.connections = s.connections[:last]
}

func (s *Server) Stop() {
	select {
	case <-s.closed:
		return
	default:
		s.cancel()
		close(s.close)
		<-s.closed
	}
}

// ShowDetection announces every detected code to all connections. Nothing is announced for
// windows without a detection. If the server is busy, the announcement is dropped.
func (s *Server) ShowDetection(detection decode.Detection) {
	if detection.Code == stim.None {
		return
	}
	select {
	case s.msg <- []byte(formatDetection(detection)):
	default:
		log.Debug("detection not announced", "detection", detection)
	}
}

func formatDetection(detection decode.Detection) string {
	return fmt.Sprintf("DETECTION %v %d %.3f %.3f\n", detection.Code, detection.Position, detection.Score, detection.Margin)
}

// execute runs one command line and returns the response line. The second result is false
// if the connection should be closed.
func (s *Server) execute(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", true
	}
	command, args := strings.ToLower(fields[0]), fields[1:]

	var response string
	var err error
	switch command {
	case "calibrate":
		response, err = s.calibrate(args)
	case "train":
		err = s.engine.StartTraining(s.ctx)
		if err == nil {
			response = s.engine.Status().ModelSet.String()
		}
	case "tick":
		response = formatDetections(s.engine.Tick())
	case "consensus":
		var code stim.Code
		code, err = s.engine.GetConsensusAndReset()
		response = code.String()
	case "status":
		response = s.engine.Status().String()
	case "quality":
		var qualities []bci.ChannelQuality
		qualities, err = s.engine.ChannelQuality()
		lines := make([]string, len(qualities))
		for i, quality := range qualities {
			lines[i] = quality.String()
		}
		response = strings.Join(lines, "; ")
	case "stim":
		response, err = s.stim(args)
	case "help":
		response = "calibrate <code> <seconds>, train, tick, consensus, status, quality, stim <code>, quit"
	case "quit":
		return "OK bye\n", false
	default:
		err = fmt.Errorf("unknown command %s", command)
	}

	if err != nil {
		log.Debug("command failed", "command", line, "error", err)
		return fmt.Sprintf("ERR %v\n", err), true
	}
	if response == "" {
		return "OK\n", true
	}
	return fmt.Sprintf("OK %s\n", response), true
}

func (s *Server) calibrate(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: calibrate <code> <seconds>")
	}
	code, err := stim.ParseCode(args[0])
	if err != nil {
		return "", err
	}
	seconds, err := strconv.ParseFloat(args[1], 64)
	if err != nil || seconds <= 0 {
		return "", fmt.Errorf("invalid duration %s", args[1])
	}
	err = s.engine.SubmitCalibrationSpan(code, time.Duration(seconds*float64(time.Second)))
	if err != nil {
		return "", err
	}
	return "", nil
}

func (s *Server) stim(args []string) (string, error) {
	if s.stimulator == nil {
		return "", fmt.Errorf("no stimulator available")
	}
	if len(args) != 1 {
		return "", fmt.Errorf("usage: stim <code>")
	}
	code, err := stim.ParseCode(args[0])
	if err != nil {
		return "", err
	}
	return "", s.stimulator.SetCode(code)
}

func formatDetections(detections []decode.Detection) string {
	codes := make([]string, len(detections))
	for i, detection := range detections {
		codes[i] = detection.Code.String()
	}
	return strings.TrimSpace(fmt.Sprintf("%d %s", len(detections), strings.Join(codes, ",")))
}

var ErrClosed = errors.New("connection already closed")

// Prompt handles one line of input and returns the response and the next prompt.
// A nil prompt closes the connection.
type Prompt struct {
	Question string
	Answer   func(string) (string, *Prompt)
}

type Connection struct {
	conn  io.ReadWriteCloser
	name  string
	msg   chan []byte
	input chan []byte

	currentPrompt *Prompt
	currentAnswer strings.Builder

	close  chan struct{}
	closed chan struct{}
}

func NewConnection(conn io.ReadWriteCloser, name string, welcome string, execute func(string) (string, bool)) *Connection {
	result := &Connection{
		conn:  conn,
		name:  name,
		msg:   make(chan []byte, 1),
		input: make(chan []byte, 1),

		close:  make(chan struct{}),
		closed: make(chan struct{}),
	}

	commandPrompt := &Prompt{}
	commandPrompt.Answer = func(line string) (string, *Prompt) {
		response, keepOpen := execute(line)
		if !keepOpen {
			return response, nil
		}
		return response, commandPrompt
	}
	result.currentPrompt = commandPrompt

	result.writeAll([]byte(welcome))

	go result.run()
	go result.readLoop()

	return result
}

func (c *Connection) run() {
	defer close(c.closed)
	defer func() {
		err := c.conn.Close()
		if err != nil {
			log.Debug("cannot close connection", "remote", c.name, "error", err)
		}
	}()

	for {
		select {
		case <-c.close:
			return
		case bytes := <-c.msg:
			err := c.writeAll(bytes)
			if err != nil {
				log.Warn("cannot write to connection", "remote", c.name, "error", err)
				return
			}
		case bytes, ok := <-c.input:
			if !ok {
				return
			}
			for i := 0; i < len(bytes); i++ {
				response, nextPrompt, done := c.parseAnswerByte(bytes[i])
				if !done {
					continue
				}
				if response != "" {
					err := c.writeAll([]byte(response))
					if err != nil {
						log.Warn("cannot write to connection", "remote", c.name, "error", err)
						return
					}
				}
				if nextPrompt == nil {
					log.Info("control connection closed", "remote", c.name)
					return
				}
				err := c.startPrompt(nextPrompt)
				if err != nil {
					log.Warn("cannot write to connection", "remote", c.name, "error", err)
					return
				}
			}
		}
	}
}

func (c *Connection) readLoop() {
	defer close(c.input)
	readBuffer := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(readBuffer)
		if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		} else if err != nil {
			log.Debug("cannot read from connection", "remote", c.name, "error", err)
			return
		}

		if n == 0 {
			continue
		}

		bytes := make([]byte, n)
		copy(bytes, readBuffer[:n])
		select {
		case c.input <- bytes:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeAll(bytes []byte) error {
	buffer := bytes
	for len(buffer) > 0 {
		n, err := c.conn.Write(buffer)
		if err != nil {
			return err
		}
		buffer = buffer[n:]
	}
	return nil
}

func (c *Connection) startPrompt(prompt *Prompt) error {
	c.currentPrompt = prompt
	if prompt.Question == "" {
		return nil
	}
	return c.writeAll([]byte(prompt.Question))
}

// parseAnswerByte collects the input until the end of the line. done is true if a line was completed.
func (c *Connection) parseAnswerByte(answerByte byte) (response string, nextPrompt *Prompt, done bool) {
	switch answerByte {
	case '\n', '\r':
		if c.currentAnswer.Len() == 0 {
			return "", nil, false
		}
		response, nextPrompt = c.currentPrompt.Answer(c.currentAnswer.String())
		c.currentAnswer.Reset()
		return response, nextPrompt, true
	default:
		c.currentAnswer.WriteByte(answerByte)
		return "", nil, false
	}
}

func (c *Connection) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.close)
		<-c.closed
	}
}

func (c *Connection) Write(bytes []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	case c.msg <- bytes:
		return len(bytes), nil
	}
}

func (c *Connection) String() string {
	return c.name
}
