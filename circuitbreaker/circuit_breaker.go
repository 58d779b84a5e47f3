// Package circuitbreaker runs an ordered chain of upstream attempts, each
// guarded by its own hystrix circuit. The first attempt that succeeds wins;
// errors from earlier attempts accumulate into the final error.
package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/afex/hystrix-go/hystrix"
)

// AttemptFunc performs one upstream attempt.
type AttemptFunc func() (any, error)

// CommandResult carries the value of the winning attempt, or the accumulated
// errors when every attempt failed.
type CommandResult struct {
	res       any
	err       error
	cancelled bool
}

func (cr CommandResult) Result() any {
	return cr.res
}

func (cr CommandResult) Error() error {
	return cr.err
}

func (cr CommandResult) Cancelled() bool {
	return cr.cancelled
}

// Attempt is one candidate upstream paired with the circuit protecting it.
type Attempt struct {
	exec        AttemptFunc
	circuitName string
}

func NewAttempt(exec AttemptFunc, circuitName string) *Attempt {
	return &Attempt{
		exec:        exec,
		circuitName: circuitName,
	}
}

// Command is an ordered list of attempts for a single client request.
type Command struct {
	ctx      context.Context
	attempts []*Attempt
	cancel   bool
}

func NewCommand(ctx context.Context, attempts []*Attempt) *Command {
	return &Command{
		ctx:      ctx,
		attempts: attempts,
	}
}

func (cmd *Command) Add(a *Attempt) {
	cmd.attempts = append(cmd.attempts, a)
}

func (cmd *Command) IsEmpty() bool {
	return len(cmd.attempts) == 0
}

// Cancel stops the chain after the current attempt. Used when an attempt
// produced a response that must not be retried elsewhere.
func (cmd *Command) Cancel() {
	cmd.cancel = true
}

// Config mirrors hystrix.CommandConfig; it is applied lazily the first time a
// circuit name is seen.
type Config struct {
	Timeout                int
	MaxConcurrentRequests  int
	RequestVolumeThreshold int
	SleepWindow            int
	ErrorPercentThreshold  int
}

type CircuitBreaker struct {
	config Config
}

func NewCircuitBreaker(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
	}
}

// CircuitExists reports whether the named circuit has been configured.
func CircuitExists(circuitName string) bool {
	return hystrix.GetCircuitSettings()[circuitName] != nil
}

// IsCircuitOpen reports whether the named circuit is currently rejecting.
func IsCircuitOpen(circuitName string) bool {
	c, _, err := hystrix.GetCircuit(circuitName)
	return err == nil && c.IsOpen()
}

// Execute runs the attempts in order until one succeeds or the chain is
// exhausted. The last attempt bypasses an open circuit and runs directly, so
// a request still reaches an upstream when every breaker has tripped.
// This is a blocking function.
func (cb *CircuitBreaker) Execute(cmd *Command) CommandResult {
	if cmd == nil || cmd.IsEmpty() {
		return CommandResult{err: fmt.Errorf("command is nil or empty")}
	}

	var result CommandResult
	ctx := cmd.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	for i, a := range cmd.attempts {
		if cmd.cancel {
			result.cancelled = true
			break
		}

		if !CircuitExists(a.circuitName) {
			hystrix.ConfigureCommand(a.circuitName, hystrix.CommandConfig{
				Timeout:                cb.config.Timeout,
				MaxConcurrentRequests:  cb.config.MaxConcurrentRequests,
				RequestVolumeThreshold: cb.config.RequestVolumeThreshold,
				SleepWindow:            cb.config.SleepWindow,
				ErrorPercentThreshold:  cb.config.ErrorPercentThreshold,
			})
		}

		var err error
		if i == len(cmd.attempts)-1 && IsCircuitOpen(a.circuitName) {
			var res any
			res, err = a.exec()
			if err == nil {
				result = CommandResult{res: res, cancelled: cmd.cancel}
			}
		} else {
			err = hystrix.DoC(ctx, a.circuitName, func(ctx context.Context) error {
				res, execErr := a.exec()
				// Write to result only on success
				if execErr == nil {
					result = CommandResult{res: res, cancelled: cmd.cancel}
				}
				return execErr
			}, nil)
		}

		if err == nil {
			break
		}

		// Accumulate errors across the chain
		if result.err != nil {
			result.err = fmt.Errorf("%w, %s.error: %w", result.err, a.circuitName, err)
		} else {
			result.err = fmt.Errorf("%s.error: %w", a.circuitName, err)
		}
		// Keep iterating even on ErrMaxConcurrency so every upstream gets
		// the same admission pressure
	}

	return result
}
