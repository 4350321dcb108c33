package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "satfaild.pid")
}

func TestAcquireWritesOwnPID(t *testing.T) {
	p := New(testPath(t))

	if err := p.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	data, err := os.ReadFile(p.Path())
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pidfile content %q: %v", data, err)
	}
	if pid != os.Getpid() {
		t.Errorf("pidfile contains %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireFailsWhenOwnerAlive(t *testing.T) {
	path := testPath(t)

	// The test process itself is the live owner.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	err := New(path).Acquire()
	if err == nil {
		t.Fatal("Acquire succeeded over a live instance")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAcquireReplacesStalePidfile(t *testing.T) {
	path := testPath(t)

	// PIDs cannot exceed the kernel maximum, so this one is never live.
	if err := os.WriteFile(path, []byte("99999999\n"), 0o644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	p := New(path)
	if err := p.Acquire(); err != nil {
		t.Fatalf("Acquire over stale pidfile: %v", err)
	}

	running, pid, err := p.CheckRunning()
	if err != nil {
		t.Fatalf("CheckRunning: %v", err)
	}
	if !running || pid != os.Getpid() {
		t.Errorf("CheckRunning = (%v, %d), want (true, %d)", running, pid, os.Getpid())
	}
}

func TestAcquireOverwritesGarbage(t *testing.T) {
	path := testPath(t)
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	if err := New(path).Acquire(); err != nil {
		t.Fatalf("Acquire over garbage pidfile: %v", err)
	}
}

func TestReleaseRemovesOwnPidfile(t *testing.T) {
	p := New(testPath(t))
	if err := p.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Error("pidfile still present after Release")
	}

	// Releasing twice is fine.
	if err := p.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestReleaseRefusesForeignPidfile(t *testing.T) {
	path := testPath(t)
	foreign := os.Getpid() + 1
	if err := os.WriteFile(path, []byte(strconv.Itoa(foreign)+"\n"), 0o644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	if err := New(path).Release(); err == nil {
		t.Fatal("Release removed a pidfile owned by another PID")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("foreign pidfile was removed")
	}
}

func TestCheckRunningNoFile(t *testing.T) {
	running, pid, err := New(testPath(t)).CheckRunning()
	if err != nil {
		t.Fatalf("CheckRunning: %v", err)
	}
	if running || pid != 0 {
		t.Errorf("CheckRunning = (%v, %d), want (false, 0)", running, pid)
	}
}

func TestForceRemove(t *testing.T) {
	path := testPath(t)
	if err := os.WriteFile(path, []byte("12345\n"), 0o644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	if err := New(path).ForceRemove(); err != nil {
		t.Fatalf("ForceRemove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pidfile still present after ForceRemove")
	}
}
