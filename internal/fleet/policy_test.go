package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyStoreStampsTimestamps(t *testing.T) {
	s := NewPolicyStore(PolicyProfile{Name: "Default"})

	def, err := s.Get(DefaultPolicyID)
	require.NoError(t, err)
	assert.NotEmpty(t, def.CreatedAt)
	assert.Equal(t, def.CreatedAt, def.UpdatedAt)

	created, err := s.Create(PolicyProfile{Name: "strict", MinBridgeVersion: "2.0.0"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.UpdatedAt)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	_, err = time.Parse(time.RFC3339, created.UpdatedAt)
	require.NoError(t, err)
}

func TestPolicyStoreAssignAndFallback(t *testing.T) {
	s := NewPolicyStore(PolicyProfile{Name: "Default"})

	created, err := s.Create(PolicyProfile{Name: "strict"})
	require.NoError(t, err)
	require.NoError(t, s.Assign("t-1", created.ID))

	assert.Equal(t, created.ID, s.PolicyFor("t-1").ID)
	assert.Equal(t, DefaultPolicyID, s.PolicyFor("t-unassigned").ID)

	require.NoError(t, s.Delete(created.ID))
	assert.Equal(t, DefaultPolicyID, s.PolicyFor("t-1").ID)
}
