package daemon

import (
	"context"
)

// Component is a long-running part of the daemon: it starts its own
// goroutines under the given context and winds them down on Stop.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// funcComponent adapts start/stop pairs whose signatures do not match
// the interface.
type funcComponent struct {
	name  string
	start func(ctx context.Context) error
	stop  func()
}

func (f *funcComponent) Name() string                    { return f.name }
func (f *funcComponent) Start(ctx context.Context) error { return f.start(ctx) }
func (f *funcComponent) Stop()                           { f.stop() }

// named wraps a component that already has Start/Stop but no name.
func named(name string, start func(ctx context.Context) error, stop func()) Component {
	return &funcComponent{name: name, start: start, stop: stop}
}
