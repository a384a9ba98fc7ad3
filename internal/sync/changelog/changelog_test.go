package changelog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/sync/models"
)

func change(entityID string, version int64, fields ...string) *models.StateChange {
	deltas := models.FieldMap{}
	for _, f := range fields {
		deltas[f] = "v"
	}
	return &models.StateChange{
		ID:              fmt.Sprintf("%s-%d", entityID, version),
		EntityID:        entityID,
		PreviousVersion: version - 1,
		NewVersion:      version,
		FieldDeltas:     deltas,
	}
}

func TestChangesSince_ReturnsOnlyNewerChanges(t *testing.T) {
	l := New()
	l.Append(change("staff-1", 1, "shift"))
	l.Append(change("staff-1", 2, "room"))
	l.Append(change("staff-2", 1, "shift"))
	l.Append(change("staff-1", 3, "shift"))

	got := l.ChangesSince("staff-1", 1)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].NewVersion)
	assert.Equal(t, int64(3), got[1].NewVersion)
}

func TestChangesSince_UnknownEntityIsEmpty(t *testing.T) {
	l := New()
	assert.Empty(t, l.ChangesSince("ghost", 0))
}

func TestChangesSince_UpToDateClientGetsNothing(t *testing.T) {
	l := New()
	l.Append(change("staff-1", 1, "shift"))
	assert.Empty(t, l.ChangesSince("staff-1", 1))
}

func TestChangesSince_CopyIsIndependent(t *testing.T) {
	l := New()
	l.Append(change("staff-1", 1, "shift"))

	got := l.ChangesSince("staff-1", 0)
	require.Len(t, got, 1)

	l.Append(change("staff-1", 2, "room"))
	assert.Len(t, got, 1)
}

func TestFieldsChangedSince_BoundedByVersion(t *testing.T) {
	l := New()
	l.Append(change("staff-1", 1, "shift"))
	l.Append(change("staff-1", 2, "room"))
	l.Append(change("staff-1", 3, "notes"))

	changed := l.FieldsChangedSince("staff-1", 1)
	assert.Len(t, changed, 2)
	assert.Contains(t, changed, "room")
	assert.Contains(t, changed, "notes")
	assert.NotContains(t, changed, "shift")
}

func TestFieldsChangedSince_NoInterimChanges(t *testing.T) {
	l := New()
	l.Append(change("staff-1", 1, "shift"))
	assert.Empty(t, l.FieldsChangedSince("staff-1", 1))
}

func TestLen_CountsAllEntities(t *testing.T) {
	l := New()
	l.Append(change("staff-1", 1, "shift"))
	l.Append(change("staff-2", 1, "shift"))
	assert.Equal(t, 2, l.Len())
}

func TestFloor_DefaultsToZero(t *testing.T) {
	l := New()
	assert.Equal(t, int64(0), l.Floor("staff-1"))
}

func TestSetFloor_MarksTruncatedHistory(t *testing.T) {
	l := New()
	l.SetFloor("staff-1", 5)
	assert.Equal(t, int64(5), l.Floor("staff-1"))
	assert.Equal(t, int64(0), l.Floor("staff-2"))

	// A lower floor never overwrites a higher one.
	l.SetFloor("staff-1", 3)
	assert.Equal(t, int64(5), l.Floor("staff-1"))
}
