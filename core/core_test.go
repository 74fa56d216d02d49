package core

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
)

func TestOperationUnmarshalJSON(t *testing.T) {
	type object struct {
		Operations []Operation `json:"operations"`
	}
	var o object
	err := json.Unmarshal([]byte(`{"operations":["get","list","post","rel-patch"]}`), &o)
	assert.NoError(t, err)
	assert.Equal(t, []Operation{OperationGet, OperationList, OperationPost, OperationRelPatch}, o.Operations)

	err = json.Unmarshal([]byte(`{"operations":["invalid"]}`), &o)
	assert.Error(t, err)
}

func TestAuthOperation(t *testing.T) {
	// relationship reads authorize as get, relationship writes as patch
	assert.Equal(t, OperationGet, OperationRelGet.AuthOperation())
	assert.Equal(t, OperationPatch, OperationRelPost.AuthOperation())
	assert.Equal(t, OperationPatch, OperationRelPatch.AuthOperation())
	assert.Equal(t, OperationPatch, OperationRelDelete.AuthOperation())
	assert.Equal(t, OperationList, OperationList.AuthOperation())
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "articles", Plural("article"))
	assert.Equal(t, "categories", Plural("category"))
	assert.Equal(t, "grandchildren", Plural("grandchild"))
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "7", IDString(7))
	assert.Equal(t, "7", IDString(int64(7)))
	assert.Equal(t, "7", IDString(float64(7)))
	assert.Equal(t, "7", IDString("7"))
	assert.Equal(t, "7", IDString(json.Number("7")))
	assert.Equal(t, "", IDString(nil))

	assert.True(t, SameID(7, "7"))
	assert.False(t, SameID(nil, nil))
}

func TestErrorStatus(t *testing.T) {
	cases := map[Code]int{
		CodePayload:        http.StatusBadRequest,
		CodeUnsupported:    http.StatusBadRequest,
		CodeAuthentication: http.StatusUnauthorized,
		CodeAuthorization:  http.StatusForbidden,
		CodeNotFound:       http.StatusNotFound,
		CodeConflict:       http.StatusConflict,
		CodeValidation:     http.StatusUnprocessableEntity,
		CodeStorage:        http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, (&Error{Code: code}).Status(), code)
	}
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	original := NotFound("articles", "1")
	assert.Same(t, original, AsError(original))

	wrapped := AsError(assert.AnError)
	assert.Equal(t, CodeStorage, wrapped.Code)
}
