package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "newsbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a command handler.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain applies mw so that mw[0] is the outermost wrapper.
func Chain(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// slowCommand promotes the success line of a command to info.
const slowCommand = 750 * time.Millisecond

// Recover turns a handler panic into an error so the worker survives.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// LogOutcome writes one line per command. The request logger already
// carries rid, chat and command.
func LogOutcome() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			took := logx.Duration("dur", time.Since(began))
			switch {
			case err != nil:
				req.Logger.Warn("command failed", took, logx.Int("args", len(req.Args)), logx.Err(err))
			case time.Since(began) >= slowCommand:
				req.Logger.Info("command done", took)
			default:
				req.Logger.Debug("command done", took)
			}
			return err
		}
	}
}

// ReplyOnError answers "❌ <reason>" in the chat when the handler fails.
// The reply outlives the handler deadline.
func ReplyOnError(reason func(error) string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				_, _ = req.Reply(context.WithoutCancel(ctx), "❌ "+reason(err), nil)
			}
			return err
		}
	}
}

// Deadline bounds the handler by d; zero means the command has no limit.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
