package errtype

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, cause, "doing %s", "thing")
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "InternalError: doing thing", err.Error())
}

func TestAsKind(t *testing.T) {
	err := Cancelled()
	got, ok := AsKind(err, KindCancelled)
	require.True(t, ok)
	assert.Equal(t, err, got)

	_, ok = AsKind(err, KindTimeout)
	assert.False(t, ok)

	_, ok = AsKind(errors.New("plain"), KindCancelled)
	assert.False(t, ok)
}

func TestJupyterFieldsRError(t *testing.T) {
	err := RError("object 'x' not found", "print(x)", []string{"simpleError", "error", "condition"}, []string{"Error in print(x) : object 'x' not found"})
	ename, evalue, traceback := JupyterFields(err)
	assert.Equal(t, "simpleError", ename)
	assert.Equal(t, "object 'x' not found", evalue)
	assert.Len(t, traceback, 1)
}

func TestJupyterFieldsCancelled(t *testing.T) {
	ename, _, traceback := JupyterFields(Cancelled())
	assert.Equal(t, "KeyboardInterrupt", ename)
	assert.Equal(t, []string{"KeyboardInterrupt"}, traceback)
}

func TestJupyterFieldsPlainError(t *testing.T) {
	ename, evalue, traceback := JupyterFields(errors.New("plain failure"))
	assert.Equal(t, "InternalError", ename)
	assert.Equal(t, "plain failure", evalue)
	assert.Equal(t, []string{"plain failure"}, traceback)
}
