// Package executor defines the contract the session task loop uses to run a
// resolved step script. The actual declarative-action execution (the
// "openjd session") is out of scope for this agent: only the contract here
// matters, plus a host-process default good enough to drive the agent
// end-to-end on a single machine.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/fleetworker/agent/pkg/action"
)

// Result is what the task loop records against the completed action.
type Result struct {
	Outcome  action.Outcome
	ExitCode int
	Message  string
}

// Executor runs one resolved step script to completion, honoring a cancel
// request delivered on cancel by driving the script's declared cancel
// timeline (§4.3: "the openjd executor drives the declared
// NOTIFY_THEN_TERMINATE timeline"). Implementations must return once the
// subprocess has exited or been force-terminated; they own the subprocess's
// lifetime and must not leak it past Run's return.
type Executor interface {
	Run(ctx context.Context, script action.StepScript, osUser string, cancel <-chan struct{}) (Result, error)
}

// Host is the default Executor: it runs the step script's interpreter as a
// host subprocess under the working directory supplied at construction. It
// does not perform OS-user impersonation itself; that is the caller's
// collaborator to wire in (see pkg/osuser).
type Host struct {
	WorkingDir string
	// Impersonate, if set, is invoked to adapt cmd before Start so it runs
	// as osUser. Left nil, subprocesses inherit the agent's own identity.
	Impersonate func(cmd *exec.Cmd, osUser string) error
}

// NewHost returns a Host executor rooted at workingDir.
func NewHost(workingDir string) *Host {
	return &Host{WorkingDir: workingDir}
}

func (h *Host) Run(ctx context.Context, script action.StepScript, osUser string, cancel <-chan struct{}) (Result, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(runCtx, script.Interpreter, script.Args...)
	cmd.Dir = h.WorkingDir
	cmd.Env = envSlice(script.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if h.Impersonate != nil && osUser != "" {
		if err := h.Impersonate(cmd, osUser); err != nil {
			return Result{Outcome: action.OutcomeFailed, Message: err.Error()}, err
		}
	}

	if err := cmd.Start(); err != nil {
		return Result{Outcome: action.OutcomeFailed, Message: err.Error()}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return resultFromWait(err, stderr.String()), nil
	case <-cancel:
		return h.cancelTimeline(script.Cancel, cmd, done, stderr.String())
	}
}

func (h *Host) cancelTimeline(timeline action.CancelTimeline, cmd *exec.Cmd, done chan error, stderrText string) (Result, error) {
	if timeline.Mode == action.CancelModeNotifyThenTerminate && timeline.NotifyPeriod > 0 {
		_ = cmd.Process.Signal(interruptSignal())
		select {
		case <-done:
			return Result{Outcome: action.OutcomeCanceled, Message: "canceled during notify period"}, nil
		case <-time.After(timeline.NotifyPeriod):
		}
	}
	_ = cmd.Process.Kill()
	<-done
	return Result{Outcome: action.OutcomeCanceled, Message: "terminated after cancel", ExitCode: -1}, nil
}

func resultFromWait(err error, stderrText string) Result {
	if err == nil {
		return Result{Outcome: action.OutcomeSucceeded, ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return Result{Outcome: action.OutcomeFailed, ExitCode: exitErr.ExitCode(), Message: stderrText}
	}
	return Result{Outcome: action.OutcomeFailed, ExitCode: -1, Message: err.Error()}
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
