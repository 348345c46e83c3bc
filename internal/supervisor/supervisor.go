// Package supervisor describes the process that hosts the scanning backend.
// The client never manages that process; it only asks where to connect.
package supervisor

//go:generate mockgen -source=supervisor.go -destination=mocks/mock_supervisor.go -package=mocks

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/anstrom/scanlink/internal/errors"
)

// ProcessStatus reports the state of the backend process.
type ProcessStatus struct {
	Initialized bool   `json:"initialized"`
	Running     bool   `json:"running"`
	Version     string `json:"version,omitempty"`
	Port        int    `json:"port"`
}

// ActionResult is the outcome of Restart or Reinstall.
type ActionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Supervisor is the lifecycle contract of the backend host process.
type Supervisor interface {
	EndpointPort(ctx context.Context) (int, error)
	ProcessStatus(ctx context.Context) (ProcessStatus, error)
	Restart(ctx context.Context) (ActionResult, error)
	Reinstall(ctx context.Context) (ActionResult, error)
}

// Notifications are the callbacks a supervisor emits while starting the
// backend. Any of them may be nil.
type Notifications struct {
	OnStatus func(text string)
	OnError  func(text string)
	OnReady  func()
}

// Status forwards text to OnStatus if set.
func (n Notifications) Status(text string) {
	if n.OnStatus != nil {
		n.OnStatus(text)
	}
}

// Error forwards text to OnError if set.
func (n Notifications) Error(text string) {
	if n.OnError != nil {
		n.OnError(text)
	}
}

// Ready calls OnReady if set.
func (n Notifications) Ready() {
	if n.OnReady != nil {
		n.OnReady()
	}
}

// ResolveAddress returns host:port for the backend once its process is
// initialized and running.
func ResolveAddress(ctx context.Context, sup Supervisor, host string) (string, error) {
	status, err := sup.ProcessStatus(ctx)
	if err != nil {
		return "", errors.WrapConnectionError(errors.CodeConnectFailure, "Failed to query backend process", "", err)
	}
	if !status.Initialized || !status.Running {
		return "", errors.WrapConnectionError(errors.CodeConnectFailure, "Backend process not ready", "",
			fmt.Errorf("initialized=%t running=%t", status.Initialized, status.Running))
	}

	port := status.Port
	if port <= 0 {
		if port, err = sup.EndpointPort(ctx); err != nil {
			return "", errors.WrapConnectionError(errors.CodeConnectFailure, "Failed to query backend port", "", err)
		}
	}
	if port <= 0 || port > 65535 {
		return "", errors.NewConfigFieldError(errors.CodeValidation, "Backend reported an invalid port", "port", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Static is a Supervisor for a backend that is managed elsewhere and
// always listens on the same port.
type Static struct {
	Port    int
	Version string
}

// EndpointPort implements Supervisor.
func (s Static) EndpointPort(context.Context) (int, error) {
	return s.Port, nil
}

// ProcessStatus implements Supervisor.
func (s Static) ProcessStatus(context.Context) (ProcessStatus, error) {
	return ProcessStatus{Initialized: true, Running: true, Version: s.Version, Port: s.Port}, nil
}

// Restart implements Supervisor. A static backend cannot be restarted.
func (s Static) Restart(context.Context) (ActionResult, error) {
	return ActionResult{Success: false, Error: "backend is not supervised"}, nil
}

// Reinstall implements Supervisor. A static backend cannot be reinstalled.
func (s Static) Reinstall(context.Context) (ActionResult, error) {
	return ActionResult{Success: false, Error: "backend is not supervised"}, nil
}
