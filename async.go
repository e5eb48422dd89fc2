package orgsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Future is the pending result of a call running on another goroutine.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the call has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the call finishes and returns its outcome.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Await waits for the call or for ctx. Returning early on ctx abandons the
// future; the call itself keeps running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) complete(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Dispatcher runs calls on goroutines, optionally bounding how many run at
// once. The zero value and a nil *Dispatcher are unbounded.
type Dispatcher struct {
	sem *semaphore.Weighted
}

// NewDispatcher returns a Dispatcher running at most limit calls at once.
// limit <= 0 means unbounded.
func NewDispatcher(limit int64) *Dispatcher {
	if limit <= 0 {
		return &Dispatcher{}
	}
	return &Dispatcher{sem: semaphore.NewWeighted(limit)}
}

// Submit runs fn on a new goroutine and returns its future. Calls are
// neither retried nor ordered; fn's error is returned unchanged. If the
// dispatcher is bounded and ctx ends before a slot frees up, fn never runs
// and the future fails with ctx.Err().
func Submit[T any](ctx context.Context, d *Dispatcher, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		var (
			val T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("call panicked: %v", r)
			}
			f.complete(val, err)
		}()

		if d != nil && d.sem != nil {
			if err = d.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer d.sem.Release(1)
		}
		val, err = fn(ctx)
	}()
	return f
}

// Go runs fn on a new goroutine and returns its future.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	return Submit(ctx, nil, fn)
}

// AwaitAll waits for every future and returns the results in submission
// order along with the joined errors of the failed ones.
func AwaitAll[T any](ctx context.Context, futures []*Future[T]) ([]T, error) {
	results := make([]T, len(futures))
	var errs []error
	for i, f := range futures {
		v, err := f.Await(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("call %d: %w", i, err))
			continue
		}
		results[i] = v
	}
	return results, errors.Join(errs...)
}

// ExecuteAsync runs svc.Execute on another goroutine.
func ExecuteAsync(ctx context.Context, svc OrganizationService, req *Request) *Future[*Response] {
	return Go(ctx, func(ctx context.Context) (*Response, error) {
		return svc.Execute(ctx, req)
	})
}

// RetrieveAsync runs svc.Retrieve on another goroutine.
func RetrieveAsync(ctx context.Context, svc OrganizationService, entityName string, id uuid.UUID, columns ColumnSet) *Future[*Entity] {
	return Go(ctx, func(ctx context.Context) (*Entity, error) {
		return svc.Retrieve(ctx, entityName, id, columns)
	})
}

// RetrieveMultipleAsync runs svc.RetrieveMultiple on another goroutine.
func RetrieveMultipleAsync(ctx context.Context, svc OrganizationService, query *Query) *Future[*EntityCollection] {
	return Go(ctx, func(ctx context.Context) (*EntityCollection, error) {
		return svc.RetrieveMultiple(ctx, query)
	})
}

// CreateAsync runs svc.Create on another goroutine.
func CreateAsync(ctx context.Context, svc OrganizationService, entity *Entity) *Future[uuid.UUID] {
	return Go(ctx, func(ctx context.Context) (uuid.UUID, error) {
		return svc.Create(ctx, entity)
	})
}

// UpdateAsync runs svc.Update on another goroutine.
func UpdateAsync(ctx context.Context, svc OrganizationService, entity *Entity) *Future[struct{}] {
	return Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, svc.Update(ctx, entity)
	})
}

// DeleteAsync runs svc.Delete on another goroutine.
func DeleteAsync(ctx context.Context, svc OrganizationService, entityName string, id uuid.UUID) *Future[struct{}] {
	return Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, svc.Delete(ctx, entityName, id)
	})
}

// AssociateAsync runs svc.Associate on another goroutine.
func AssociateAsync(ctx context.Context, svc OrganizationService, entityName string, id uuid.UUID, relationship Relationship, related []EntityReference) *Future[struct{}] {
	return Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, svc.Associate(ctx, entityName, id, relationship, related)
	})
}

// DisassociateAsync runs svc.Disassociate on another goroutine.
func DisassociateAsync(ctx context.Context, svc OrganizationService, entityName string, id uuid.UUID, relationship Relationship, related []EntityReference) *Future[struct{}] {
	return Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, svc.Disassociate(ctx, entityName, id, relationship, related)
	})
}
