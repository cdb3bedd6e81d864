package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/pkg/logger"
)

// MaxRestarts is the crash-restart budget per service until an operator
// resets the counter
const MaxRestarts = 5

// RestartDelay is the fixed backoff between crash and relaunch
var RestartDelay = 2 * time.Second

// ServiceStatus is the lifecycle state of a managed process
type ServiceStatus string

const (
	StatusStopped  ServiceStatus = "stopped"
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusCrashed  ServiceStatus = "crashed" // non-zero exit, restart pending
)

// ServiceConfig describes how to launch a managed process
type ServiceConfig struct {
	Name    string
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string // merged over the host environment
}

// ServiceState is the externally visible state of a managed process.
// PID is set iff the status is starting or running.
type ServiceState struct {
	Name         string        `json:"name"`
	Status       ServiceStatus `json:"status"`
	PID          int           `json:"pid,omitempty"`
	StartTime    time.Time     `json:"start_time,omitempty"`
	LastExitCode *int          `json:"last_exit_code,omitempty"`
	RestartCount int           `json:"restart_count"`
}

type service struct {
	config     ServiceConfig
	state      ServiceState
	cmd        *exec.Cmd
	manualStop bool
}

// StatusChangeHandler is notified on every status transition
type StatusChangeHandler func(name string, status ServiceStatus)

// Supervisor launches, monitors, and restarts the sibling data-plane
// processes of a node, funneling their stdio into the log ring.
type Supervisor struct {
	mu           sync.Mutex
	services     map[string]*service
	logs         *LogRing
	statusChange StatusChangeHandler
	shuttingDown bool
}

// New creates a supervisor with an empty service registry
func New() *Supervisor {
	return &Supervisor{
		services: make(map[string]*service),
		logs:     NewLogRing(MaxLogs),
	}
}

// Logs exposes the log ring
func (s *Supervisor) Logs() *LogRing {
	return s.logs
}

// SetStatusChangeHandler registers the status transition callback
func (s *Supervisor) SetStatusChangeHandler(cb StatusChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusChange = cb
}

// Register adds a service definition. Registering an existing name replaces
// its configuration but keeps its state.
func (s *Supervisor) Register(config ServiceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.services[config.Name]; ok {
		existing.config = config
		return
	}
	s.services[config.Name] = &service{
		config: config,
		state:  ServiceState{Name: config.Name, Status: StatusStopped},
	}
}

// Start launches a registered service
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %s not registered", name)
	}
	if svc.state.Status == StatusStarting || svc.state.Status == StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("service %s already running", name)
	}

	cmd := exec.Command(svc.config.Command, svc.config.Args...)
	cmd.Dir = svc.config.Cwd
	cmd.Env = os.Environ()
	for key, value := range svc.config.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	// Own process group, so stopping kills the whole descendant tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	svc.manualStop = false
	svc.state.Status = StatusStarting
	s.notifyLocked(name, StatusStarting)

	if err := cmd.Start(); err != nil {
		svc.state.Status = StatusStopped
		s.notifyLocked(name, StatusStopped)
		s.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	svc.cmd = cmd
	svc.state.PID = cmd.Process.Pid
	svc.state.StartTime = time.Now()
	svc.state.Status = StatusRunning
	s.notifyLocked(name, StatusRunning)
	s.mu.Unlock()

	go s.captureOutput(name, "info", stdout)
	go s.captureOutput(name, "error", stderr)
	go s.waitForExit(name, cmd)

	logger.Info("Service started", map[string]interface{}{
		"service": name,
		"pid":     cmd.Process.Pid,
	})
	return nil
}

// Stop marks a service stopped (suppressing the auto-restart in the exit
// handler) and terminates its process group.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %s not registered", name)
	}
	if svc.state.Status == StatusCrashed {
		// Cancels the pending restart; the delayed relaunch checks status
		svc.manualStop = true
		svc.state.Status = StatusStopped
		s.notifyLocked(name, StatusStopped)
		s.mu.Unlock()
		return nil
	}
	if svc.state.Status != StatusStarting && svc.state.Status != StatusRunning {
		s.mu.Unlock()
		return nil
	}

	svc.manualStop = true
	svc.state.Status = StatusStopped
	pid := svc.state.PID
	svc.state.PID = 0
	s.notifyLocked(name, StatusStopped)
	s.mu.Unlock()

	if pid > 0 {
		// Negative pid targets the whole process group
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			logger.Warn("SIGTERM to process group failed", map[string]interface{}{
				"service": name,
				"pid":     pid,
				"error":   err.Error(),
			})
		}
	}

	logger.Info("Service stopped", map[string]interface{}{"service": name})
	return nil
}

// StartAll launches every registered service
func (s *Supervisor) StartAll() {
	for _, name := range s.names() {
		if err := s.Start(name); err != nil {
			logger.Error("Failed to start service", err, map[string]interface{}{
				"service": name,
			})
		}
	}
}

// StopAll terminates every running service
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	for _, name := range s.names() {
		_ = s.Stop(name)
	}
}

// KillAll synchronously SIGKILLs every live child; the last resort on host
// exit.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.state.PID > 0 {
			_ = syscall.Kill(-svc.state.PID, syscall.SIGKILL)
		}
	}
}

// GetStatus returns the state of one service, nil if unknown
func (s *Supervisor) GetStatus(name string) *ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[name]; ok {
		state := svc.state
		return &state
	}
	return nil
}

// GetAllStatus returns the state of every registered service
func (s *Supervisor) GetAllStatus() []ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]ServiceState, 0, len(s.services))
	for _, svc := range s.services {
		states = append(states, svc.state)
	}
	return states
}

// ResetRestartCounts zeroes every restart counter (operator action)
func (s *Supervisor) ResetRestartCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		svc.state.RestartCount = 0
	}
}

// AddLog appends a supervisor-side entry to the log ring
func (s *Supervisor) AddLog(source, level, message string) {
	s.logs.Append(LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
	})
}

// GetLogs returns a snapshot of the log ring
func (s *Supervisor) GetLogs() []LogEntry {
	return s.logs.Snapshot()
}

func (s *Supervisor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	return names
}

// notifyLocked fires the status callback; s.mu must be held
func (s *Supervisor) notifyLocked(name string, status ServiceStatus) {
	if s.statusChange != nil {
		cb := s.statusChange
		go cb(name, status)
	}
}

// captureOutput reads child output line by line, echoes it prefixed with the
// service name, and appends it to the log ring.
func (s *Supervisor) captureOutput(name, level string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Printf("[%s] %s\n", name, line)
		s.logs.Append(LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Source:    name,
			Message:   line,
		})
	}
}

// waitForExit reaps the child and applies the restart policy
func (s *Supervisor) waitForExit(name string, cmd *exec.Cmd) {
	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return
	}

	manual := svc.manualStop
	shuttingDown := s.shuttingDown
	svc.cmd = nil
	svc.state.PID = 0
	svc.state.LastExitCode = &exitCode

	restart := exitCode != 0 && !manual && !shuttingDown
	if restart {
		svc.state.RestartCount++
		if svc.state.RestartCount > MaxRestarts {
			restart = false
			// Over budget: account the attempt but give up
			svc.state.RestartCount = MaxRestarts
		}
	}

	if restart {
		svc.state.Status = StatusCrashed
		s.notifyLocked(name, StatusCrashed)
	} else {
		svc.state.Status = StatusStopped
		s.notifyLocked(name, StatusStopped)
	}
	attempt := svc.state.RestartCount
	s.mu.Unlock()

	s.AddLog(name, levelForExit(exitCode), fmt.Sprintf("process exited with code %d", exitCode))

	if !restart {
		if exitCode != 0 && !manual && !shuttingDown {
			logger.Error("Service exceeded restart budget, giving up", nil, map[string]interface{}{
				"service":   name,
				"exit_code": exitCode,
				"restarts":  MaxRestarts,
			})
		}
		return
	}

	logger.Warn("Service crashed, scheduling restart", map[string]interface{}{
		"service":   name,
		"exit_code": exitCode,
		"attempt":   attempt,
		"delay":     RestartDelay.String(),
	})
	monitoring.ServiceRestarts.WithLabelValues(name).Inc()

	time.AfterFunc(RestartDelay, func() {
		s.mu.Lock()
		svc, ok := s.services[name]
		// A Stop during the delay cancels the restart
		if !ok || svc.manualStop || s.shuttingDown || svc.state.Status != StatusCrashed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.Start(name); err != nil {
			logger.Error("Service restart failed", err, map[string]interface{}{
				"service": name,
			})
		}
	})
}

func levelForExit(code int) string {
	if code == 0 {
		return "info"
	}
	return "error"
}
