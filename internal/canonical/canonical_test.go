package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmarkets/nexus-deploy/internal/canonical"
)

func TestMarshalSortsKeys(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}

	ca, err := canonical.Marshal(a)
	require.NoError(t, err)
	cb, err := canonical.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))

	var tmp interface{}
	assert.NoError(t, json.Unmarshal(ca, &tmp), "canonical output must stay valid JSON")
}

func TestMarshalPreservesArraysAndNumbers(t *testing.T) {
	in := map[string]interface{}{
		"list": []interface{}{3, 2, 1},
		"num":  json.Number("123.45"),
		"str":  "hello",
		"bool": true,
		"nil":  nil,
	}

	c, err := canonical.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"bool":true,"list":[3,2,1],"nil":null,"num":123.45,"str":"hello"}`, string(c))
}

func TestMarshalStringMaps(t *testing.T) {
	c, err := canonical.Marshal(map[string]string{"ServiceName": "DataService", "ImageURI": "registry/nexus:sha-abc123"})
	require.NoError(t, err)
	assert.Equal(t, `{"ImageURI":"registry/nexus:sha-abc123","ServiceName":"DataService"}`, string(c))
}

func TestHashStableAcrossEquivalentValues(t *testing.T) {
	h1, err := canonical.Hash(map[string]interface{}{"x": 1, "y": []interface{}{"a", "b"}})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]interface{}{"y": []interface{}{"a", "b"}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := canonical.Hash(map[string]interface{}{"x": 2, "y": []interface{}{"a", "b"}})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestMarshalTypedStruct(t *testing.T) {
	type ref struct {
		ID    string `json:"id"`
		Image string `json:"image"`
	}
	c, err := canonical.Marshal(ref{ID: "sha-abc123", Image: "registry/nexus"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"sha-abc123","image":"registry/nexus"}`, string(c))
}
