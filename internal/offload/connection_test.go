package offload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-keyoffload/internal/offload/driver/soft"
)

func TestBindSpreadsConnections(t *testing.T) {
	f := startFixture(t, soft.Options{Instances: 2}, SectionConfig{})

	var conns []*Connection
	for i := 0; i < 3; i++ {
		c, err := Bind(f.section, []byte("key"))
		require.NoError(t, err)
		conns = append(conns, c)
	}

	users := usersPerHandle(f.section)
	assert.Contains(t, [][]int{{2, 1}, {1, 2}}, users)

	for _, c := range conns {
		c.Unbind()
	}
	assert.Equal(t, []int{0, 0}, usersPerHandle(f.section))

	ctx := context.Background()
	require.NoError(t, f.section.Drain(ctx))
	for _, h := range f.section.Handles() {
		assert.Equal(t, StateStopped, h.State())
	}
}

func TestConnectionAccessors(t *testing.T) {
	f := startFixture(t, soft.Options{Instances: 1}, SectionConfig{})

	key := []byte("pkcs8 bytes")
	c, err := Bind(f.section, key)
	require.NoError(t, err)
	defer c.Unbind()

	key[0] = 'X'
	assert.Equal(t, []byte("pkcs8 bytes"), c.PrivateKey(), "connection owns a copy of the key")
	assert.Same(t, f.section.handles[0], c.Handle())
	assert.NotEmpty(t, c.ID())
}

func TestUnbindTwicePanics(t *testing.T) {
	f := startFixture(t, soft.Options{Instances: 1}, SectionConfig{})

	c, err := Bind(f.section, []byte("key"))
	require.NoError(t, err)
	c.Unbind()

	requireLogicPanic(t, c.Unbind)
	assert.Equal(t, 0, c.Handle().Users(), "a rejected unbind must not touch the count")
}

func TestRemoveUserAtZeroPanics(t *testing.T) {
	f := startFixture(t, soft.Options{Instances: 1}, SectionConfig{})
	requireLogicPanic(t, f.section.handles[0].RemoveUser)
	assert.Equal(t, 0, f.section.handles[0].Users())
}

func TestBindWithEveryHandleDraining(t *testing.T) {
	f := startFixture(t, soft.Options{Instances: 2}, SectionConfig{})
	for _, h := range f.section.handles {
		h.markDraining(context.Background(), ReasonSectionDrain)
	}

	c, err := Bind(f.section, []byte("key"))
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNoHardwareAvailable)
}

func TestUserCountProperty(t *testing.T) {
	f := startFixture(t, soft.Options{Instances: 4}, SectionConfig{})

	rapid.Check(t, func(t *rapid.T) {
		var live []*Connection
		defer func() {
			for _, c := range live {
				c.Unbind()
			}
		}()
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "unbind") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "victim")
				live[idx].Unbind()
				live = append(live[:idx], live[idx+1:]...)
			} else {
				c, err := Bind(f.section, []byte("key"))
				if err != nil {
					t.Fatalf("bind: %v", err)
				}
				live = append(live, c)
			}

			total := 0
			for _, u := range usersPerHandle(f.section) {
				if u < 0 {
					t.Fatalf("negative user count")
				}
				total += u
			}
			if total != len(live) {
				t.Fatalf("user counts sum to %d, %d connections bound", total, len(live))
			}
		}
	})
}
