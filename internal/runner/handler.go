package runner

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/pipegrid/internal/wildcard"
)

// Invocation is what a local handler gets to work with: concrete absolute
// paths and the task's evaluated parameters. Handlers write to the given
// output paths; atomic placement is the runner's concern.
type Invocation struct {
	RuleID  string
	Binding wildcard.Binding
	Inputs  []string
	Outputs []string
	Params  map[string]cty.Value
	Log     io.Writer
}

// Handler is an in-process task action, used by rules marked local.
type Handler func(ctx context.Context, inv *Invocation) error

// HandlerRegistry maps handler names to implementations.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry returns a registry preloaded with the builtin handlers.
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[string]Handler)}
	r.handlers["touch"] = touchHandler
	r.handlers["copy"] = copyHandler
	return r
}

// Register adds a handler under the given name.
func (r *HandlerRegistry) Register(name string, h Handler) error {
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the named handler.
func (r *HandlerRegistry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", name)
	}
	return h, nil
}

// touchHandler creates every output empty. Useful for stamp files.
func touchHandler(_ context.Context, inv *Invocation) error {
	for _, out := range inv.Outputs {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// copyHandler copies the single input to every output.
func copyHandler(_ context.Context, inv *Invocation) error {
	if len(inv.Inputs) != 1 {
		return fmt.Errorf("copy handler needs exactly one input, got %d", len(inv.Inputs))
	}
	for _, out := range inv.Outputs {
		if err := copyFile(inv.Inputs[0], out); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
