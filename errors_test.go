package jensen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("ListFiles", CodeTimeout, "no reply within deadline")
	require.Equal(t, "ListFiles", err.Op)
	require.Equal(t, CodeTimeout, err.Code)
	require.Equal(t, "jensen: no reply within deadline (op=ListFiles)", err.Error())
}

func TestOperationScopedError(t *testing.T) {
	err := NewOperationError("StreamFile", OperationID(7), CodeCancelled, "cancelled by caller")
	require.Equal(t, OperationID(7), err.OpID)
	require.Equal(t, "jensen: cancelled by caller (op=StreamFile opid=7)", err.Error())
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewError("read", CodeDisconnected, "short read")
	wrapped := WrapError("GetDeviceInfo", inner)
	require.Equal(t, CodeDisconnected, wrapped.Code)
	require.Equal(t, "GetDeviceInfo", wrapped.Op)
}

func TestWrapErrorWrapsPlainError(t *testing.T) {
	wrapped := WrapError("claim", errors.New("boom"))
	require.Equal(t, CodeIO, wrapped.Code)
	require.EqualError(t, wrapped.Inner, "boom")
}

func TestWrapErrorNilIsNil(t *testing.T) {
	require.Nil(t, WrapError("op", nil))
}

func TestIsCode(t *testing.T) {
	err := NewError("GetCardInfo", CodeBusy, "device busy")
	require.True(t, IsCode(err, CodeBusy))
	require.False(t, IsCode(err, CodeTimeout))
	require.False(t, IsCode(nil, CodeBusy))
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := WrapError("op", NewError("inner", CodeFileNotFound, "gone"))
	require.True(t, errors.Is(err, &Error{Code: CodeFileNotFound}))
	require.False(t, errors.Is(err, &Error{Code: CodeBusy}))
}
