// Package operator implements the privileged Unix-domain-socket override
// surface (§6.1). The only privileged mutation the governed kernel exposes
// is reset() (§3): this server wraps that one operation, plus read-only
// status/list, in the teacher's newline-delimited-JSON socket protocol and
// 0600 file-permission gating.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runtime-governor/governor/internal/governor"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Registry is the interface the operator server uses to look up and reset
// named kernels. Implemented by the daemon's agent-id -> kernel map.
type Registry interface {
	// Get returns the kernel registered under agentID, or false if unknown.
	Get(agentID string) (*governor.Kernel, bool)

	// List returns every registered agent_id.
	List() []string
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd     string `json:"cmd"` // reset | status | list
	AgentID string `json:"agent_id,omitempty"`
}

// KernelStatus is a snapshot of one kernel's state.
type KernelStatus struct {
	AgentID   string  `json:"agent_id"`
	StepIndex int     `json:"step"`
	Halted    bool    `json:"halted"`
	Failure   string  `json:"failure,omitempty"`
	Effort    float64 `json:"effort"`
	Risk      float64 `json:"risk"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Status  *KernelStatus  `json:"status,omitempty"`
	Agents  []string       `json:"agents,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   Registry
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry Registry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("operator: chmod %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("operator: accept: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max concurrent connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReader(io.LimitReader(conn, maxRequestBytes))
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var req Request
	resp := Response{}
	if err := json.Unmarshal(line, &req); err != nil {
		resp = Response{OK: false, Error: "malformed request"}
	} else {
		resp = s.dispatch(req)
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')
	_, _ = conn.Write(encoded)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "reset":
		k, ok := s.registry.Get(req.AgentID)
		if !ok {
			return Response{OK: false, Error: "unknown agent_id"}
		}
		k.Reset()
		s.log.Info("operator reset kernel", zap.String("agent_id", req.AgentID))
		return Response{OK: true, AgentID: req.AgentID}

	case "status":
		k, ok := s.registry.Get(req.AgentID)
		if !ok {
			return Response{OK: false, Error: "unknown agent_id"}
		}
		state := k.State()
		return Response{OK: true, AgentID: req.AgentID, Status: &KernelStatus{
			AgentID:   req.AgentID,
			StepIndex: state.StepIndex,
			Halted:    state.Halted,
			Failure:   state.Failure.String(),
			Effort:    state.Budgets.Effort,
			Risk:      state.Budgets.Risk,
		}}

	case "list":
		return Response{OK: true, Agents: s.registry.List()}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown cmd %q", req.Cmd)}
	}
}
