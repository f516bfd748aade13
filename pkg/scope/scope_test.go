package scope

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent_Default(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, DefaultDatabase, Current(ctx))
	assert.False(t, IsSet(ctx))
	assert.Equal(t, 0, Depth(ctx))
	assert.Empty(t, Stack(ctx))
}

func TestEnter_NestedAndRestored(t *testing.T) {
	base := context.Background()

	outer, outerScope := Enter(base, "Y")
	assert.Equal(t, "Y", Current(outer))

	inner, innerScope := Enter(outer, "X")
	assert.Equal(t, "X", Current(inner))
	assert.Equal(t, []string{"Y", "X"}, Stack(inner))
	assert.Equal(t, 2, Depth(inner))

	assert.True(t, innerScope.Close())
	assert.Equal(t, "Y", Current(innerScope.Parent()))
	assert.Equal(t, "Y", Current(outer), "entering a scope never changes the enclosing context")

	assert.True(t, outerScope.Close())
	assert.Equal(t, DefaultDatabase, Current(outerScope.Parent()))
}

func TestScope_CloseIdempotent(t *testing.T) {
	_, s := Enter(context.Background(), "orders")
	assert.False(t, s.Closed())
	assert.True(t, s.Close())
	assert.False(t, s.Close())
	assert.True(t, s.Closed())
	assert.Equal(t, "orders", s.Name())
}

func TestEnded_DetectsContextOutlivingScope(t *testing.T) {
	outer, outerScope := Enter(context.Background(), "Y")
	defer outerScope.Close()
	inner, s := Enter(outer, "X")

	assert.False(t, Ended(inner))
	assert.False(t, Ended(context.Background()))

	s.Close()
	assert.True(t, Ended(inner))
	assert.False(t, Ended(outer), "closing a scope does not end its parent")
	assert.Equal(t, "Y", Current(s.Parent()))
	assert.Equal(t, "X", Current(inner), "a captured context keeps the value it inherited")

	nested, ns := Enter(inner, "Z")
	defer ns.Close()
	assert.False(t, Ended(nested))
}

func TestRun_RestoresOnError(t *testing.T) {
	ctx, s := Enter(context.Background(), "Y")
	defer s.Close()

	boom := errors.New("boom")
	err := Run(ctx, "X", func(ctx context.Context) error {
		assert.Equal(t, "X", Current(ctx))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "Y", Current(ctx))
}

func TestRun_RestoresOnPanic(t *testing.T) {
	ctx, s := Enter(context.Background(), "Y")
	defer s.Close()

	var captured *Scope
	assert.Panics(t, func() {
		_ = Run(ctx, "X", func(inner context.Context) error {
			_, captured = Enter(inner, "Z")
			panic("scoped work failed")
		})
	})
	assert.Equal(t, "Y", Current(ctx))
	require.NotNil(t, captured)
}

func TestEnterNew_Detached(t *testing.T) {
	ctx, s := Enter(context.Background(), "orders")
	defer s.Close()
	ctx, s2 := Enter(ctx, "reports")
	defer s2.Close()

	job, jobScope := EnterNew(ctx, "archive")
	defer jobScope.Close()

	assert.Equal(t, "archive", Current(job))
	assert.Equal(t, []string{"archive"}, Stack(job))
	assert.Equal(t, 1, Depth(job))

	nested, nestedScope := Enter(job, "logs")
	defer nestedScope.Close()
	assert.Equal(t, []string{"archive", "logs"}, Stack(nested))
}

func TestDeepNesting(t *testing.T) {
	ctx := context.Background()
	scopes := make([]*Scope, 0, 1000)
	contexts := []context.Context{ctx}
	for i := 0; i < 1000; i++ {
		var s *Scope
		ctx, s = Enter(ctx, string(rune('a'+i%26)))
		scopes = append(scopes, s)
		contexts = append(contexts, ctx)
	}
	assert.Equal(t, 1000, Depth(ctx))

	for i := len(scopes) - 1; i >= 0; i-- {
		scopes[i].Close()
		assert.Equal(t, Current(contexts[i]), Current(scopes[i].Parent()))
	}
	assert.Equal(t, DefaultDatabase, Current(scopes[0].Parent()))
}

func TestChildGoroutinesInheritByCopy(t *testing.T) {
	parent, s := Enter(context.Background(), "orders")

	childStarted := make(chan struct{})
	parentClosed := make(chan struct{})
	childSaw := make(chan []string, 1)

	go func(ctx context.Context) {
		before := Current(ctx)
		childCtx, childScope := Enter(ctx, "reports")
		defer childScope.Close()
		close(childStarted)
		<-parentClosed
		childSaw <- []string{before, Current(childCtx), Current(ctx)}
	}(parent)

	<-childStarted
	assert.Equal(t, "orders", Current(parent), "child scope must not leak into the parent")
	s.Close()
	assert.Equal(t, DefaultDatabase, Current(s.Parent()))
	close(parentClosed)

	assert.Equal(t, []string{"orders", "reports", "orders"}, <-childSaw)
}

func TestConcurrentFlowsAreIsolated(t *testing.T) {
	base := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('A' + i%26))
			_ = Run(base, name, func(ctx context.Context) error {
				for j := 0; j < 100; j++ {
					assert.Equal(t, name, Current(ctx))
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, DefaultDatabase, Current(base))
}
