package transport

import (
	"context"
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataprovider/slaved/internal/ports"
	"github.com/dataprovider/slaved/internal/timer"
)

// fakeSlave is the RPC service a real slave process would expose; tests
// stand one up on loopback to exercise Server's dial-back path.
type fakeSlave struct{ status int }

func (f *fakeSlave) Pause(args PausePacket, reply *Ack) error {
	reply.Status = f.status
	return nil
}

func (f *fakeSlave) Resume(args ResumePacket, reply *Ack) error {
	reply.Status = f.status
	return nil
}

func (f *fakeSlave) FaultPackage(args FaultPacket, reply *Ack) error {
	reply.Status = 0
	return nil
}

func startFakeSlave(t *testing.T, status int) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("Slave", &fakeSlave{status: status}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	return ln.Addr().String()
}

func startServer(t *testing.T) (*Server, *timer.Service) {
	t.Helper()
	timers := timer.New(nil)
	stop := make(chan struct{})
	go timers.Run(stop)
	t.Cleanup(func() { close(stop) })

	s := New(timers, nil)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	go func() { _ = s.Serve() }()
	t.Cleanup(func() { _ = s.Close() })
	return s, timers
}

func registerSlave(t *testing.T, s *Server, handle int, addr string) {
	t.Helper()
	client, err := rpc.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	var reply Ack
	require.NoError(t, client.Call("Registrar.Register", RegisterArgs{RPCHandle: handle, Addr: addr}, &reply))
}

func TestPauseRoundTrip(t *testing.T) {
	s, _ := startServer(t)
	addr := startFakeSlave(t, 0)
	registerSlave(t, s, 1, addr)

	done := make(chan ports.PacketStatus, 1)
	require.NoError(t, s.Pause(context.Background(), 1, 123.0, func(status ports.PacketStatus, err error) {
		require.NoError(t, err)
		done <- status
	}))

	select {
	case status := <-done:
		require.True(t, status.Accepted())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pause ack")
	}
}

func TestPauseUnregisteredHandle(t *testing.T) {
	s, _ := startServer(t)
	err := s.Pause(context.Background(), 99, 1.0, func(ports.PacketStatus, error) {})
	require.Error(t, err)
}

func TestResumeNegativeAck(t *testing.T) {
	s, _ := startServer(t)
	addr := startFakeSlave(t, 1)
	registerSlave(t, s, 2, addr)

	done := make(chan ports.PacketStatus, 1)
	require.NoError(t, s.Resume(context.Background(), 2, 1.0, func(status ports.PacketStatus, err error) {
		require.NoError(t, err)
		done <- status
	}))

	select {
	case status := <-done:
		require.False(t, status.Accepted())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resume ack")
	}
}
