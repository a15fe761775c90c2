package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/stake-plus/govwatch/src/agents"
	"github.com/stake-plus/govwatch/src/orchestrator"
)

// httpModule serves the API until stopped.
type httpModule struct {
	srv    *http.Server
	logger *slog.Logger
	addr   net.Addr
	done   chan struct{}
}

func (m *httpModule) Name() string { return "http" }

func (m *httpModule) Start(context.Context) error {
	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.srv.Addr, err)
	}
	m.addr = ln.Addr()
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("http: serve failed", "error", err)
		}
	}()
	m.logger.Info("http: listening", "addr", m.addr.String())
	return nil
}

func (m *httpModule) Stop(ctx context.Context) error {
	err := m.srv.Shutdown(ctx)
	if m.done != nil {
		<-m.done
	}
	return err
}

// engineModule drains investigations and stops constructed agents.
type engineModule struct {
	service *orchestrator.Service
	pool    *agents.Pool
	logger  *slog.Logger
}

func (m *engineModule) Name() string { return "engine" }

func (m *engineModule) Start(context.Context) error {
	m.logger.Info("engine: ready", "agents", len(m.pool.Capabilities()))
	return nil
}

func (m *engineModule) Stop(ctx context.Context) error {
	err := m.service.Shutdown(ctx)
	if err != nil {
		m.logger.Warn("engine: investigations cancelled at shutdown", "error", err)
	}
	m.pool.Close(ctx)
	return err
}

// closerModule releases a connection on stop.
type closerModule struct {
	name  string
	close func() error
}

func (m *closerModule) Name() string { return m.name }

func (m *closerModule) Start(context.Context) error { return nil }

func (m *closerModule) Stop(context.Context) error { return m.close() }
