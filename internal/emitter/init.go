package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shimrelay/internal/attrs"
	"shimrelay/internal/capture"
)

const (
	// NameConsole is the event name for captured console output.
	NameConsole = "JSConsole"
	// NameUncaughtException is the event name for uncaught errors.
	NameUncaughtException = "JS:UncaughtException"
	// NameUnhandledRejection is the event name for unhandled rejections.
	NameUnhandledRejection = "JS:UnhandledRejectedPromise"

	consoleErrorPrefix    = "[JSConsole:Error] "
	rejectionPrefix       = "[UnhandledRejectedPromise] "
	missingStack          = "undefined"
	captureDispatchBudget = 50 * time.Millisecond
)

// Options selects which capture layers Init installs.
// Params: capture toggles and optional global attributes.
// Returns: init configuration.
type Options struct {
	OverrideConsole          bool
	ReportUncaughtExceptions bool
	ReportRejectedPromises   bool
	GlobalAttributes         map[string]any
}

// Host carries the process hooks capture layers attach to.
// Params: console bindings, uncaught handler slot, rejection tracker, build mode.
// Returns: host hook set.
type Host struct {
	Console     *capture.Console
	Exceptions  *capture.HandlerSlot
	Rejections  *capture.RejectionTracker
	Development bool
}

// Init installs the capture layers selected by opts onto host.
// Params: ctx registration context; opts toggles; host hooks.
// Returns: error when an enabled layer has no matching hook.
func (e *Emitter) Init(ctx context.Context, opts Options, host Host) error {
	if opts.OverrideConsole {
		if host.Console == nil {
			return fmt.Errorf("override console: console hook is nil")
		}
		host.Console.Override(e.CaptureConsole)
	}

	if opts.ReportUncaughtExceptions {
		if host.Exceptions == nil {
			return fmt.Errorf("report uncaught exceptions: handler slot is nil")
		}
		host.Exceptions.Install(e.CaptureException)
	}

	if opts.ReportRejectedPromises {
		if host.Rejections == nil {
			return fmt.Errorf("report rejected promises: rejection tracker is nil")
		}
		if host.Development {
			e.logger.Debug("rejection capture skipped in development mode")
		} else {
			host.Rejections.Enable(capture.RejectionOptions{
				AllRejections: true,
				OnUnhandled:   e.CaptureRejection,
				OnHandled:     func(string) {},
			})
		}
	}

	if opts.GlobalAttributes != nil {
		e.SetGlobalAttributes(ctx, opts.GlobalAttributes)
	}

	return nil
}

// CaptureConsole reports one console call.
// Params: level console level; args original call arguments.
// Returns: none.
func (e *Emitter) CaptureConsole(level string, args []any) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, attrs.Stringify(arg))
	}
	joined := strings.Join(parts, ", ")

	ctx, cancel := captureContext()
	defer cancel()

	e.Send(ctx, EventTypeLogs, NameConsole, map[string]any{
		"consoleType": level,
		"args":        joined,
	})
	if level == capture.LevelError {
		e.NativeLog(ctx, consoleErrorPrefix+joined)
	}
}

// CaptureException reports one uncaught error.
// Params: err uncaught error, may be nil.
// Returns: none.
func (e *Emitter) CaptureException(err error) {
	var stack any = missingStack
	if trace, ok := capture.StackOf(err); ok {
		stack = trace
	}

	ctx, cancel := captureContext()
	defer cancel()

	e.Send(ctx, EventTypeLogs, NameUncaughtException, map[string]any{
		"error": errorValue(err),
		"stack": stack,
	})
}

// CaptureRejection reports one unhandled rejection.
// Params: id rejection id; err rejection reason.
// Returns: none.
func (e *Emitter) CaptureRejection(id string, err error) {
	ctx, cancel := captureContext()
	defer cancel()

	e.logger.Debug("unhandled rejection", slog.String("id", id))
	value := errorValue(err)
	e.Send(ctx, EventTypeLogs, NameUnhandledRejection, map[string]any{
		"error": value,
	})
	e.NativeLog(ctx, rejectionPrefix+attrs.Stringify(value))
}

// errorValue keeps nil errors as nil so they stringify as "null".
func errorValue(err error) any {
	if err == nil {
		return nil
	}
	return err
}

// captureContext bounds sink delivery for capture paths that have no caller context.
// The budget is short because the captured console call waits on it.
func captureContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), captureDispatchBudget)
}
