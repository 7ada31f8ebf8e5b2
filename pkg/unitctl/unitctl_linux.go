//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager talks to the system bus. It is safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func New(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}
	return m.conn, nil
}

func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	conn, err := m.get()
	if err != nil {
		return Status{}, err
	}
	unit := UnitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return Status{}, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	return statusFromProps(unit, props), nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	return m.run(ctx, "start", name, (*dbus.Conn).StartUnitContext)
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.run(ctx, "stop", name, (*dbus.Conn).StopUnitContext)
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.run(ctx, "restart", name, (*dbus.Conn).RestartUnitContext)
}

type unitOp func(c *dbus.Conn, ctx context.Context, name, mode string, ch chan<- string) (int, error)

// run queues a job and waits for its result.
func (m *Manager) run(ctx context.Context, action, name string, op unitOp) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	unit := UnitName(name)
	done := make(chan string, 1)
	if _, err := op(conn, ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}
	select {
	case res := <-done:
		return jobError(action, unit, res)
	case <-ctx.Done():
		return ctx.Err()
	}
}
