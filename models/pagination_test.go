package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompositeCursorRoundTrip(t *testing.T) {
	encoded := EncodeCompositeCursor("COIL-001", 42)
	code, id := DecodeCompositeCursor(&encoded)
	require.Equal(t, "COIL-001", code)
	require.Equal(t, 42, id)

	// empty / nil cursors decode to the zero position
	code, id = DecodeCompositeCursor(nil)
	require.Empty(t, code)
	require.Zero(t, id)

	empty := ""
	code, id = DecodeCompositeCursor(&empty)
	require.Empty(t, code)
	require.Zero(t, id)

	// garbage decodes to the zero position instead of erroring
	garbage := "not-base64!!"
	code, id = DecodeCompositeCursor(&garbage)
	require.Empty(t, code)
	require.Zero(t, id)
}

func TestSingleCursorRoundTrip(t *testing.T) {
	encoded := EncodeCursor("COIL-001")
	decoded, err := DecodeCursor(&encoded)
	require.NoError(t, err)
	require.Equal(t, "COIL-001", decoded)

	decoded, err = DecodeCursor(nil)
	require.NoError(t, err)
	require.Empty(t, decoded)
}
