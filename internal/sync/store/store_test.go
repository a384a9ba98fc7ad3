package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/sync/models"
)

func TestGet_UnknownEntity(t *testing.T) {
	s := New()
	_, ok := s.Get("ghost")
	assert.False(t, ok)
}

func TestPutGet_ReturnsClones(t *testing.T) {
	s := New()
	original := &models.Entity{ID: "staff-1", Fields: models.FieldMap{"shift": "early"}, Version: 1}
	s.Put(original)

	// Mutating the value we put in must not affect the store.
	original.Fields["shift"] = "late"

	got, ok := s.Get("staff-1")
	require.True(t, ok)
	assert.Equal(t, "early", got.Fields["shift"])

	// Mutating what we read out must not affect the store either.
	got.Fields["shift"] = "night"
	again, _ := s.Get("staff-1")
	assert.Equal(t, "early", again.Fields["shift"])
}

func TestLoad_BulkInstall(t *testing.T) {
	s := New()
	s.Load([]*models.Entity{
		{ID: "staff-1", Fields: models.FieldMap{}, Version: 4},
		{ID: "staff-2", Fields: models.FieldMap{}, Version: 7},
	})

	assert.Equal(t, 2, s.Len())
	e, ok := s.Get("staff-2")
	require.True(t, ok)
	assert.Equal(t, int64(7), e.Version)
}
