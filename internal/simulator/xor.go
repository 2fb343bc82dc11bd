package simulator

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/muurk/kasalink/internal/crypto"
)

// XorServer is a conforming IOT device on a loopback TCP port
type XorServer struct {
	Device *Device

	// CloseAfterReply closes each connection after one response, forcing
	// clients to reconnect
	CloseAfterReply bool

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	accepted int
}

// StartXor listens on a random loopback port
func StartXor(d *Device) (*XorServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &XorServer{Device: d, listener: ln, ctx: ctx, cancel: cancel, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns host and port
func (s *XorServer) Addr() (string, int) {
	a := s.listener.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// Connections returns how many connections were accepted
func (s *XorServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops the server and drops open connections
func (s *XorServer) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *XorServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *XorServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		var header [crypto.XorHeaderSize]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		frame := append(header[:], body...)
		s.Device.recordHit("tcp", frame)

		// Injected expiry drops the connection without a reply
		if s.Device.beginRequest(0) {
			return
		}
		err := s.Device.wait(s.ctx)
		if err == nil {
			reply := s.Device.handleIot(crypto.XorDecode(crypto.XorInitialKey, body), 0)
			_, err = conn.Write(crypto.XorFrame(reply))
		}
		s.Device.endRequest()
		if err != nil || s.CloseAfterReply {
			return
		}
	}
}
