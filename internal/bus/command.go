// Package bus provides the in-process message bus for wagate.
// Commands (request/response) and Events (pub/sub) connect the HTTP admin
// surface and the cron jobs to the components that own the state.
package bus

import (
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// Command represents a request to a component (request/response pattern)
type Command struct {
	Component string               // Target component: "supervisor", ...
	Name      string               // Command name: "status", "logout", ...
	Payload   any                  // Optional payload
	Source    string               // Origin: "http", "cron", "system"
	Result    chan<- CommandResult // Response channel (nil for fire-and-forget)
}

// CommandResult is the response from a command handler
type CommandResult struct {
	Success bool   // Whether the command succeeded
	Message string // Human-readable result message
	Data    any    // Optional structured data
	Error   error  // Error if failed
}

// CommandHandler processes a command and returns a result
type CommandHandler func(Command) CommandResult

type busError string

func (e busError) Error() string { return string(e) }

const (
	ErrTimeout        busError = "command timed out"
	ErrBusFull        busError = "command bus full"
	ErrNoHandler      busError = "no handler registered"
	ErrUnknownCommand busError = "unknown command"
)

// CommandTimeout bounds how long SendCommand waits for a handler.
var CommandTimeout = 30 * time.Second

var (
	commandBus               = make(chan Command, 100)
	commandDispatcherStarted sync.Once

	commandRegistry   = make(map[string]map[string]CommandHandler)
	commandRegistryMu sync.RWMutex
)

// RegisterCommand adds a handler for a component command
func RegisterCommand(component, command string, handler CommandHandler) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()

	if commandRegistry[component] == nil {
		commandRegistry[component] = make(map[string]CommandHandler)
	}
	commandRegistry[component][command] = handler
	L_debug("bus: command registered", "component", component, "command", command)
}

// UnregisterComponent removes all command handlers for a component
func UnregisterComponent(component string) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()
	delete(commandRegistry, component)
}

// SendCommand sends a command and waits for the result.
// Returns an error result on timeout or when the bus is full.
func SendCommand(component, name string, payload any, source string) CommandResult {
	ensureCommandDispatcher()

	result := make(chan CommandResult, 1)
	cmd := Command{
		Component: component,
		Name:      name,
		Payload:   payload,
		Source:    source,
		Result:    result,
	}

	select {
	case commandBus <- cmd:
		select {
		case r := <-result:
			return r
		case <-time.After(CommandTimeout):
			return CommandResult{Error: ErrTimeout, Message: "command timed out"}
		}
	default:
		return CommandResult{Error: ErrBusFull, Message: "command bus full"}
	}
}

func ensureCommandDispatcher() {
	commandDispatcherStarted.Do(func() {
		go func() {
			for cmd := range commandBus {
				dispatchCommand(cmd)
			}
		}()
		L_debug("bus: command dispatcher started")
	})
}

// dispatchCommand routes a command to its handler
func dispatchCommand(cmd Command) {
	L_debug("bus: command dispatch", "component", cmd.Component, "command", cmd.Name, "source", cmd.Source)

	commandRegistryMu.RLock()
	handlers := commandRegistry[cmd.Component]
	handler := handlers[cmd.Name]
	commandRegistryMu.RUnlock()

	var result CommandResult
	switch {
	case handlers == nil:
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s", ErrNoHandler, cmd.Component),
			Message: fmt.Sprintf("component '%s' not available", cmd.Component),
		}
	case handler == nil:
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s.%s", ErrUnknownCommand, cmd.Component, cmd.Name),
			Message: fmt.Sprintf("unknown command '%s' for component '%s'", cmd.Name, cmd.Component),
		}
	default:
		result = runHandler(handler, cmd)
	}

	if cmd.Result != nil {
		select {
		case cmd.Result <- result:
		default:
			L_warn("bus: result channel full/closed", "component", cmd.Component, "command", cmd.Name)
		}
	}
}

func runHandler(handler CommandHandler, cmd Command) (result CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: command handler panic", "component", cmd.Component, "command", cmd.Name, "panic", r)
			result = CommandResult{Error: fmt.Errorf("handler panic: %v", r), Message: "internal error"}
		}
	}()
	return handler(cmd)
}
