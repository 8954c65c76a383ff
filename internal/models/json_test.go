package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONBScanAcceptsBytesAndString(t *testing.T) {
	var fromBytes JSONB
	require.NoError(t, fromBytes.Scan([]byte(`{"a":1}`)))
	assert.EqualValues(t, 1, fromBytes["a"])

	var fromString JSONB
	require.NoError(t, fromString.Scan(`{"b":"x"}`))
	assert.Equal(t, "x", fromString["b"])

	var fromNil JSONB
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	var bad JSONB
	require.Error(t, bad.Scan(42))
}

func TestJSONBValue(t *testing.T) {
	v, err := JSONB{"a": 1}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(v.([]byte)))

	v, err = JSONB(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestChangeOperationValid(t *testing.T) {
	assert.True(t, OperationInsert.Valid())
	assert.True(t, OperationUpdate.Valid())
	assert.True(t, OperationDelete.Valid())
	assert.False(t, ChangeOperation("UPSERT").Valid())
	assert.False(t, ChangeOperation("").Valid())
}
