package scope

import (
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/types/known/structpb"
)

// ScopeServer is a scope that serves frames over a network connection to remote clients.
type ScopeServer struct {
	address string

	server     *grpcServer
	serverLock *sync.Mutex
}

// NewScopeServer creates a new scope server that listens on the given address.
func NewScopeServer(address string) *ScopeServer {
	return &ScopeServer{
		address:    address,
		server:     nil,
		serverLock: &sync.Mutex{},
	}
}

func (s *ScopeServer) current() *grpcServer {
	s.serverLock.Lock()
	defer s.serverLock.Unlock()
	return s.server
}

func (s *ScopeServer) Active() bool {
	return s.current() != nil
}

func (s *ScopeServer) Addr() net.Addr {
	server := s.current()
	if server == nil {
		return nil
	}
	return server.Addr()
}

func (s *ScopeServer) Start() error {
	s.serverLock.Lock()
	defer s.serverLock.Unlock()
	if s.server != nil {
		return fmt.Errorf("scope was already started")
	}

	server, err := newGRPCServer(s.address, defaultOutBufferSize)
	if err != nil {
		return err
	}
	s.server = server

	go func() {
		err := server.Serve()
		if err != nil {
			log.Error("scope server failed", "error", err)
		}

		s.serverLock.Lock()
		if s.server == server {
			s.server = nil
		}
		s.serverLock.Unlock()
	}()

	log.Info("scope server started", "address", server.Addr())
	return nil
}

func (s *ScopeServer) Stop() {
	s.serverLock.Lock()
	server := s.server
	s.server = nil
	s.serverLock.Unlock()

	if server == nil {
		return
	}
	server.Stop()
}

func (s *ScopeServer) ShowTimeFrame(timeFrame *TimeFrame) {
	s.send(encodeTimeFrame(timeFrame))
}

func (s *ScopeServer) ShowSpectralFrame(spectralFrame *SpectralFrame) {
	s.send(encodeSpectralFrame(spectralFrame))
}

func (s *ScopeServer) send(frame *structpb.Struct, err error) {
	if err != nil {
		log.Warn("cannot encode scope frame", "error", err)
		return
	}
	server := s.current()
	if server == nil {
		return
	}
	server.SendFrame(frame)
}
