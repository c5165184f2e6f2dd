// Package simcontext threads a logger alongside Go's context through every
// component of the simulator, the way armadacontext does for Armada.
package simcontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context extends context.Context with a structured logger so that call
// sites can log with request-scoped fields without threading a second
// parameter through every signature.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background returns an empty Context with a default logger, analogous to
// context.Background().
func Background() *Context {
	return &Context{
		Context: context.Background(),
		Log:     logrus.NewEntry(logrus.New()),
	}
}

// New wraps an existing context.Context with the supplied logger.
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{Context: ctx, Log: log}
}

// WithCancel returns a copy of parent with a new Done channel.
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return &Context{Context: c, Log: parent.Log}, cancel
}

// WithDeadline returns a copy of parent with the deadline adjusted to be no
// later than d.
func WithDeadline(parent *Context, d time.Time) (*Context, context.CancelFunc) {
	c, cancel := context.WithDeadline(parent.Context, d)
	return &Context{Context: c, Log: parent.Log}, cancel
}

// WithTimeout is WithDeadline(parent, time.Now().Add(timeout)).
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	return WithDeadline(parent, time.Now().Add(timeout))
}

// WithLogField returns a copy of parent with key/val added to the logger.
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithField(key, val)}
}

// WithLogFields returns a copy of parent with fields added to the logger.
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithFields(fields)}
}

// ErrGroup returns a new errgroup.Group together with a derived Context,
// analogous to errgroup.WithContext.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, &Context{Context: goctx, Log: ctx.Log}
}
