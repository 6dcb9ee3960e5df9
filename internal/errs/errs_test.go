package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("lifecycle transition: %w", Conflict("apply_state", "record %s changed", "r1"))

	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Contains(t, err.Error(), "record r1 changed")
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Degraded("vector_search", "dense", cause)

	assert.True(t, IsDegraded(err))
	assert.ErrorIs(t, err, cause)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "get_record: not_found: record \"x\" not found", NotFound("get_record", "x").Error())
	assert.Equal(t, "validation: empty query", Validation("", "empty query").Error())
}
