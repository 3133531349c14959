// Package exeunit defines the fixed execution-unit sandbox boundary
// (spec.md §1: "the execution unit sandbox (Wasm/VM runtime; exposes
// deploy/start/run/terminate)... internals are not specified") plus a
// hand-written in-memory fake, mirroring payment/driver's fake shape.
package exeunit

import (
	"context"
	"fmt"
	"sync"
)

// DeploymentID identifies a deployed package instance on a sandbox.
type DeploymentID string

// RunResult is the outcome of one `run` invocation inside a sandbox.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Sandbox is the fixed execution-unit interface: deploy a package, start
// it, run commands against it, and terminate it.
type Sandbox interface {
	Deploy(ctx context.Context, packageRef string) (DeploymentID, error)
	Start(ctx context.Context, id DeploymentID) error
	Run(ctx context.Context, id DeploymentID, command string, args []string) (RunResult, error)
	Terminate(ctx context.Context, id DeploymentID) error
}

// Fake is an in-memory Sandbox used by tests and local development.
type Fake struct {
	mu          sync.Mutex
	next        int
	deployed    map[DeploymentID]bool
	started     map[DeploymentID]bool
	terminated  map[DeploymentID]bool
}

// NewFake builds a Fake sandbox.
func NewFake() *Fake {
	return &Fake{
		deployed:   make(map[DeploymentID]bool),
		started:    make(map[DeploymentID]bool),
		terminated: make(map[DeploymentID]bool),
	}
}

func (f *Fake) Deploy(ctx context.Context, packageRef string) (DeploymentID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := DeploymentID(fmt.Sprintf("fake-deployment-%d", f.next))
	f.deployed[id] = true
	return id, nil
}

func (f *Fake) Start(ctx context.Context, id DeploymentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.deployed[id] {
		return fmt.Errorf("exeunit: deployment %s not found", id)
	}
	f.started[id] = true
	return nil
}

func (f *Fake) Run(ctx context.Context, id DeploymentID, command string, args []string) (RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started[id] {
		return RunResult{}, fmt.Errorf("exeunit: deployment %s not started", id)
	}
	return RunResult{ExitCode: 0, Stdout: []byte("ok")}, nil
}

func (f *Fake) Terminate(ctx context.Context, id DeploymentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.deployed[id] {
		return fmt.Errorf("exeunit: deployment %s not found", id)
	}
	f.terminated[id] = true
	delete(f.started, id)
	return nil
}
