// Package hooks is the extension point run around version-creating writes.
package hooks

import (
	"context"

	"fhir-gateway/internal/resource/models"
)

// AfterAction is either nothing or a follow-up to run once the store write
// and the change notification are done. A failing follow-up still fails the
// interaction, but the write it follows is not rolled back.
type AfterAction struct {
	run func(ctx context.Context, r *models.Resource) error
}

// None is the empty follow-up.
func None() AfterAction {
	return AfterAction{}
}

// RunAfter wraps fn as a follow-up.
func RunAfter(fn func(ctx context.Context, r *models.Resource) error) AfterAction {
	return AfterAction{run: fn}
}

// IsNone reports whether there is nothing to run.
func (a AfterAction) IsNone() bool {
	return a.run == nil
}

// Run executes the follow-up against the written resource.
func (a AfterAction) Run(ctx context.Context, r *models.Resource) error {
	if a.run == nil {
		return nil
	}
	return a.run(ctx, r)
}

// Hooks is consulted before each write. Returning an error aborts the
// interaction before anything is stored.
type Hooks interface {
	PreCreate(ctx context.Context, r *models.Resource) (AfterAction, error)
	PreUpdate(ctx context.Context, r *models.Resource) (AfterAction, error)
	PreDelete(ctx context.Context, id string) (AfterAction, error)
}

// Nop accepts everything and schedules nothing.
type Nop struct{}

func (Nop) PreCreate(context.Context, *models.Resource) (AfterAction, error) { return None(), nil }
func (Nop) PreUpdate(context.Context, *models.Resource) (AfterAction, error) { return None(), nil }
func (Nop) PreDelete(context.Context, string) (AfterAction, error) { return None(), nil }

// Chain runs several Hooks in order. The first error stops the chain; the
// follow-ups of all hooks run in the same order.
type Chain []Hooks

func (c Chain) PreCreate(ctx context.Context, r *models.Resource) (AfterAction, error) {
	return c.collect(func(h Hooks) (AfterAction, error) { return h.PreCreate(ctx, r) })
}

func (c Chain) PreUpdate(ctx context.Context, r *models.Resource) (AfterAction, error) {
	return c.collect(func(h Hooks) (AfterAction, error) { return h.PreUpdate(ctx, r) })
}

func (c Chain) PreDelete(ctx context.Context, id string) (AfterAction, error) {
	return c.collect(func(h Hooks) (AfterAction, error) { return h.PreDelete(ctx, id) })
}

func (c Chain) collect(call func(Hooks) (AfterAction, error)) (AfterAction, error) {
	var actions []AfterAction
	for _, h := range c {
		a, err := call(h)
		if err != nil {
			return None(), err
		}
		if !a.IsNone() {
			actions = append(actions, a)
		}
	}
	switch len(actions) {
	case 0:
		return None(), nil
	case 1:
		return actions[0], nil
	}
	return RunAfter(func(ctx context.Context, r *models.Resource) error {
		for _, a := range actions {
			if err := a.Run(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}), nil
}
