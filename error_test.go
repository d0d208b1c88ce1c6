package psifos

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var errSentinel = xerrors.New("sentinel")

func TestErrorOrNil(t *testing.T) {
	require.Nil(t, ErrorOrNil(nil, "no-op"))

	err := ErrorOrNil(errSentinel, "operation failed")
	require.Error(t, err)
	assert.Equal(t, "operation failed: sentinel", err.Error())

	// sentinel comparison survives the wrapper
	assert.True(t, xerrors.Is(err, errSentinel))
}

func TestWrapError(t *testing.T) {
	require.Nil(t, WrapError(nil))

	err := WrapError(errSentinel)
	assert.Equal(t, "sentinel", err.Error())
	assert.True(t, xerrors.Is(err, errSentinel))
}

func TestErrorFormatDetail(t *testing.T) {
	err := ErrorOrNil(errSentinel, "outer")
	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "outer")
	assert.Contains(t, detailed, "error_test.go", "the caller frame is recorded")
}
