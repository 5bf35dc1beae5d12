package cdp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type ctxKey struct{}

func TestCombineContext(t *testing.T) {
	t.Run("keeps tab values and ends with the operation", func(t *testing.T) {
		tab, cancelTab := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "tab"))
		defer cancelTab()
		op, cancelOp := context.WithCancel(context.Background())

		ctx, cancel := combineContext(tab, op)
		defer cancel()
		assert.Equal(t, "tab", ctx.Value(ctxKey{}))
		assert.NoError(t, ctx.Err())

		cancelOp()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context outlived the operation context")
		}
		assert.NoError(t, tab.Err(), "the tab survives the operation")
	})

	t.Run("ends with the tab", func(t *testing.T) {
		tab, cancelTab := context.WithCancel(context.Background())
		ctx, cancel := combineContext(tab, context.Background())
		defer cancel()

		cancelTab()
		<-ctx.Done()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("cancel leaves both parents alone", func(t *testing.T) {
		tab, op := context.Background(), context.Background()
		ctx, cancel := combineContext(tab, op)
		cancel()
		<-ctx.Done()
		assert.NoError(t, tab.Err())
		assert.NoError(t, op.Err())
	})
}
