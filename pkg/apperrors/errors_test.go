package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartialCommitError(t *testing.T) {
	lost := errors.New("connection lost")
	err := &PartialCommitError{
		SessionID:  "s1",
		Committed:  []string{"c1", "c2"},
		Failed:     map[string]error{"c3": lost},
		RolledBack: []string{"c4"},
	}

	assert.Equal(t, "partial commit in session s1: committed [c1, c2], failed [c3: connection lost], rolled back [c4]", err.Error())
	assert.ErrorIs(t, err, lost)

	wrapped := fmt.Errorf("checkout: %w", err)
	assert.True(t, IsPartialCommit(wrapped))
	assert.False(t, IsPartialCommit(lost))
	assert.False(t, IsPartialCommit(nil))

	err.RolledBack = nil
	assert.NotContains(t, err.Error(), "rolled back")
}
