package health

import (
	"context"
	"net"
	"testing"
	"time"
)

type fakeRegistry struct {
	name    string
	healthy bool
}

func (f *fakeRegistry) RegisterComponent(name string, healthy bool, message string) {
	f.name = name
	f.healthy = healthy
}

func TestMonitorReportsHealthyTCPTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String()).WithTimeout(time.Second)
	reg := &fakeRegistry{}
	m := NewMonitor("control_plane", checker, Config{Interval: 10 * time.Millisecond, Retries: 1}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if reg.name == "control_plane" && reg.healthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected monitor to report control_plane healthy")
}

func TestMonitorReportsUnhealthyUnreachableTarget(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:1").WithTimeout(20 * time.Millisecond)
	reg := &fakeRegistry{healthy: true}
	m := NewMonitor("control_plane", checker, Config{Interval: 10 * time.Millisecond, Retries: 1}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if reg.name == "control_plane" && !reg.healthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected monitor to report control_plane unhealthy")
}
