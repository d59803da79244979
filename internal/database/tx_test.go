package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, IsSerializationFailure(&pq.Error{Code: "40001"}))
	assert.True(t, IsSerializationFailure(&pq.Error{Code: "40P01"}))
	assert.False(t, IsSerializationFailure(&pq.Error{Code: "23505"}))
	assert.False(t, IsSerializationFailure(errors.New("boom")))
	assert.False(t, IsSerializationFailure(nil))
}

func TestIsSerializationFailure_Wrapped(t *testing.T) {
	err := fmt.Errorf("failed to commit transaction: %w", &pq.Error{Code: "40001"})
	assert.True(t, IsSerializationFailure(err))
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pq.Error{Code: "23505", Constraint: "point_transactions_idempotency_key_idx"}

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "point_transactions_idempotency_key_idx"))
	assert.False(t, IsUniqueViolation(err, "memberships_group_id_user_id_key"))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "40001"}, ""))
	assert.False(t, IsUniqueViolation(errors.New("boom"), ""))
}
