package action

import "context"

// DependencyChecker resolves service, permission, and state dependencies.
// Action-existence dependencies are checked against the registry itself
// and never reach the checker.
//
// The default checker approves everything; production deployments must
// supply real checkers.
type DependencyChecker interface {
	// Check reports whether the dependency is satisfied.
	Check(ctx context.Context, dep Dependency) (bool, error)
}

// DependencyCheckerFunc adapts a function to the DependencyChecker
// interface.
type DependencyCheckerFunc func(ctx context.Context, dep Dependency) (bool, error)

// Check implements DependencyChecker.
func (f DependencyCheckerFunc) Check(ctx context.Context, dep Dependency) (bool, error) {
	return f(ctx, dep)
}

// AllowAllChecker approves every dependency. It is the default and is
// only suitable for development.
func AllowAllChecker() DependencyChecker {
	return DependencyCheckerFunc(func(context.Context, Dependency) (bool, error) {
		return true, nil
	})
}
