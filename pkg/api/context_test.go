package api

import (
	"context"
	"testing"
)

// testContext stands in for testing.T.Context, which the local Go toolchain lacks:
// the context is cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
