package courier

import (
	"context"
	"errors"
	"log/slog"
)

// Plugin defines the interface for client extensions. A plugin may also
// implement PushHook or SignInHook to veto pushes or sign-ins.
//
// For observing sign-in, reads and pushes without affecting them, use the
// lifecycle events instead (Client.Events()).
type Plugin interface {
	Name() string
	// Init runs during Connect. An error aborts the connect.
	Init(ctx context.Context) error
	// Close runs during Close, and when a later plugin fails to init.
	Close(ctx context.Context) error
}

// PushHook is called for every push handed to ReceivePush, before the inbox,
// the tracking dispatcher or any push listener sees it.
type PushHook interface {
	Plugin
	// BeforePush may reject a push by returning an error; ReceivePush then
	// returns that error and nothing else happens.
	BeforePush(ctx context.Context, push Push) error
}

// SignInHook is called by SignIn after the credentials are validated and
// before they are committed. Use it for allow-lists or audit.
type SignInHook interface {
	Plugin
	// BeforeSignIn may reject the sign-in by returning an error; the session
	// is left unchanged.
	BeforeSignIn(ctx context.Context, userID string) error
}

// pluginRegistry owns the configured plugins and the hook views onto them.
type pluginRegistry struct {
	plugins []Plugin
	push    []PushHook
	signIn  []SignInHook
	started int // plugins[:started] have been initialized
	logger  *slog.Logger
}

func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

func (r *pluginRegistry) register(p Plugin) {
	r.plugins = append(r.plugins, p)
	if h, ok := p.(PushHook); ok {
		r.push = append(r.push, h)
	}
	if h, ok := p.(SignInHook); ok {
		r.signIn = append(r.signIn, h)
	}
}

// initAll initializes plugins in registration order. If one fails, those
// already started are closed again and its error is returned.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for _, p := range r.plugins[r.started:] {
		if err := p.Init(ctx); err != nil {
			if rbErr := r.closeAll(ctx); rbErr != nil {
				r.logger.Warn("plugin rollback incomplete", "plugin", p.Name(), "error", rbErr)
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
		r.started++
	}
	return nil
}

// closeAll closes started plugins, last started first, and joins their
// errors.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for ; r.started > 0; r.started-- {
		p := r.plugins[r.started-1]
		if err := p.Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: p.Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError reports which plugin failed and in which step.
type PluginError struct {
	Plugin string
	Op     string // "init", "close", "BeforePush" or "BeforeSignIn"
	Err    error
}

func (e *PluginError) Error() string {
	return "courier: plugin " + e.Plugin + " failed in " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error { return e.Err }

func (r *pluginRegistry) beforePush(ctx context.Context, push Push) error {
	return runHooks(r.push, "BeforePush", func(h PushHook) error { return h.BeforePush(ctx, push) })
}

func (r *pluginRegistry) beforeSignIn(ctx context.Context, userID string) error {
	return runHooks(r.signIn, "BeforeSignIn", func(h SignInHook) error { return h.BeforeSignIn(ctx, userID) })
}

// runHooks calls each hook in registration order and stops at the first
// rejection.
func runHooks[H Plugin](hooks []H, op string, call func(H) error) error {
	for _, h := range hooks {
		if err := call(h); err != nil {
			return &PluginError{Plugin: h.Name(), Op: op, Err: err}
		}
	}
	return nil
}
