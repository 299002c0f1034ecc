package xmppreg

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// idleHandler completes the connect sequence and waits for the client
// to go away.
func idleHandler(t *testing.T) func(*script) {
	return func(s *script) {
		s.expect("<stream:stream")
		s.send(serverHeader + plainFeatures)
		// read until the client closes
		buf := make([]byte, 256)
		_ = s.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			if _, err := s.conn.Read(buf); err != nil {
				return
			}
		}
	}
}

func TestRegistryCreateGetClose(t *testing.T) {
	srv := startMockServer(t, idleHandler(t))
	r := NewRegistry(testLogger(t))
	defer r.Close()

	handle, err := r.CreateSession(context.Background(), "example.test", Config{SRVLookup: srv.lookup()})
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	require.Equal(t, 1, r.Count())

	s, err := r.Get(handle)
	require.NoError(t, err)
	require.Equal(t, "example.test", s.Domain())
	require.Equal(t, StateConnected, s.State())

	require.NoError(t, r.CloseSession(handle))
	require.Equal(t, 0, r.Count())
	require.Equal(t, StateClosed, s.State())

	_, err = r.Get(handle)
	require.True(t, IsKind(err, KindState), "got %v", err)
	err = r.CloseSession(handle)
	require.True(t, IsKind(err, KindState), "got %v", err)
}

func TestRegistryCreateFailureRetainsNothing(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	r := NewRegistry(testLogger(t))
	defer r.Close()

	_, err = r.CreateSession(context.Background(), "example.test", Config{
		ConnectTimeout: time.Second,
		SRVLookup: func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
			return "", []*net.SRV{{Target: addr.IP.String(), Port: uint16(addr.Port)}}, nil
		},
	})
	require.Error(t, err)
	require.Equal(t, 0, r.Count())
}

func TestRegistryCloseAll(t *testing.T) {
	srv := startMockServer(t, idleHandler(t), idleHandler(t), idleHandler(t))
	r := NewRegistry(testLogger(t))
	defer r.Close()

	cfg := Config{SRVLookup: srv.lookup()}
	var handles []string
	for i := 0; i < 3; i++ {
		h, err := r.CreateSession(context.Background(), "example.test", cfg)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Equal(t, 3, r.Count())

	r.CloseAll()
	require.Equal(t, 0, r.Count())
	for _, h := range handles {
		_, err := r.Get(h)
		require.Error(t, err)
	}
}

func TestRegistryConcurrentCreate(t *testing.T) {
	const n = 8
	handlers := make([]func(*script), n)
	for i := range handlers {
		handlers[i] = idleHandler(t)
	}
	srv := startMockServer(t, handlers...)

	r := NewRegistry(testLogger(t))
	defer r.Close()

	cfg := Config{SRVLookup: srv.lookup()}
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.CreateSession(context.Background(), "example.test", cfg)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, n, r.Count())
}

func TestRegistryShutdownClosesSessions(t *testing.T) {
	srv := startMockServer(t, idleHandler(t))
	r := NewRegistry(testLogger(t))

	handle, err := r.CreateSession(context.Background(), "example.test", Config{SRVLookup: srv.lookup()})
	require.NoError(t, err)
	s, err := r.Get(handle)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.Equal(t, StateClosed, s.State())

	_, err = r.CreateSession(context.Background(), "example.test", Config{SRVLookup: srv.lookup()})
	require.True(t, IsKind(err, KindState), "got %v", err)
}
