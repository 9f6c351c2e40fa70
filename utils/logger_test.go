package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldsPairsKeysAndValues(t *testing.T) {
	got := fields([]interface{}{"user_id", "u1", "count", 3, "error", errors.New("boom")})

	assert.Equal(t, "u1", got["user_id"])
	assert.Equal(t, 3, got["count"])
	assert.Equal(t, "boom", got["error"])
}

func TestFieldsKeepsDanglingKey(t *testing.T) {
	got := fields([]interface{}{"room_id", "r1", "orphan"})

	assert.Equal(t, "r1", got["room_id"])
	assert.Equal(t, "orphan", got["!BADKEY"])
}

func TestWithCarriesFields(t *testing.T) {
	logger := NewNopLogger().With("component", "presence")

	assert.Equal(t, "presence", logger.Entry.Data["component"])
}
