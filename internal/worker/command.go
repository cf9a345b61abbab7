package worker

import (
	"context"
	"os/exec"
	"sync"
)

// CommandExecutor runs one built command.
type CommandExecutor interface {
	// Run executes the command and returns the combined output (stdout+stderr).
	Run() ([]byte, error)
}

// CommandBuilder builds worker commands. The abstraction lets subprocess
// dispatch be tested without spawning processes.
type CommandBuilder interface {
	// BuildCommand creates a CommandExecutor bound to ctx; cancelling ctx
	// kills the process.
	BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor
}

// RealCommandExecutor wraps exec.Cmd to implement CommandExecutor.
type RealCommandExecutor struct {
	cmd *exec.Cmd
}

// Run executes the command and returns combined output.
func (r *RealCommandExecutor) Run() ([]byte, error) {
	return r.cmd.CombinedOutput()
}

// RealCommandBuilder implements CommandBuilder using exec.CommandContext.
type RealCommandBuilder struct{}

// NewRealCommandBuilder creates a new RealCommandBuilder.
func NewRealCommandBuilder() *RealCommandBuilder {
	return &RealCommandBuilder{}
}

// BuildCommand creates a CommandExecutor for the given command and arguments.
func (b *RealCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor {
	return &RealCommandExecutor{cmd: exec.CommandContext(ctx, name, args...)}
}

// MockCommandExecutor implements CommandExecutor for testing.
type MockCommandExecutor struct {
	// Output is the output to return from Run.
	Output []byte
	// Err is the error to return from Run.
	Err error
	// RunFunc, when set, replaces Output and Err. Tests use it to play the
	// child process, e.g. by writing the result file.
	RunFunc func() ([]byte, error)
	// RunCalled indicates whether Run was called.
	RunCalled bool
}

// Run returns the configured output and error.
func (m *MockCommandExecutor) Run() ([]byte, error) {
	m.RunCalled = true
	if m.RunFunc != nil {
		return m.RunFunc()
	}
	return m.Output, m.Err
}

// MockBuiltCommand records details of a built command.
type MockBuiltCommand struct {
	Name string
	Args []string
}

// MockCommandBuilder implements CommandBuilder for testing. It is safe for
// concurrent use by pool workers.
type MockCommandBuilder struct {
	mu sync.Mutex
	// Commands records all commands that were built.
	Commands []MockBuiltCommand
	// ExecutorFactory creates executors based on the command. If nil, a
	// default MockCommandExecutor is returned.
	ExecutorFactory func(name string, args []string) *MockCommandExecutor
}

// NewMockCommandBuilder creates a new MockCommandBuilder.
func NewMockCommandBuilder() *MockCommandBuilder {
	return &MockCommandBuilder{}
}

// BuildCommand creates a MockCommandExecutor and records the command details.
func (b *MockCommandBuilder) BuildCommand(_ context.Context, name string, args ...string) CommandExecutor {
	b.mu.Lock()
	b.Commands = append(b.Commands, MockBuiltCommand{Name: name, Args: args})
	factory := b.ExecutorFactory
	b.mu.Unlock()
	if factory != nil {
		return factory(name, args)
	}
	return &MockCommandExecutor{}
}

// Built returns a copy of the recorded commands.
func (b *MockCommandBuilder) Built() []MockBuiltCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MockBuiltCommand(nil), b.Commands...)
}
