package crdt

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestInsertAndText(t *testing.T) {
	d := New("alice")

	_, err := d.Insert(0, "# Title\n")
	require.NoError(t, err)
	require.Equal(t, "# Title\n", d.Text())

	_, err = d.Insert(8, "Hello")
	require.NoError(t, err)
	require.Equal(t, "# Title\nHello", d.Text())

	_, err = d.Insert(2, "Big ")
	require.NoError(t, err)
	require.Equal(t, "# Big Title\nHello", d.Text())
}

func TestInsertOutOfRange(t *testing.T) {
	d := New("alice")
	_, err := d.Insert(1, "x")
	require.Error(t, err)
	_, err = d.Insert(-1, "x")
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	d := New("alice")
	_, err := d.Insert(0, "hello world")
	require.NoError(t, err)

	_, err = d.Delete(5, 6)
	require.NoError(t, err)
	require.Equal(t, "hello", d.Text())
	require.Equal(t, 5, d.Len())

	// Insert after a delete still lands at the right visible position.
	_, err = d.Insert(5, "!")
	require.NoError(t, err)
	require.Equal(t, "hello!", d.Text())
}

func TestStateRoundTrip(t *testing.T) {
	d := New("alice")
	_, err := d.Insert(0, "# Title\n")
	require.NoError(t, err)
	_, err = d.Insert(8, "Hello")
	require.NoError(t, err)
	_, err = d.Delete(0, 2)
	require.NoError(t, err)

	state, err := d.EncodeState()
	require.NoError(t, err)

	loaded, err := Load("bob", state)
	require.NoError(t, err)
	require.Equal(t, d.Text(), loaded.Text())

	// The loaded replica can continue editing.
	_, err = loaded.Insert(0, "> ")
	require.NoError(t, err)
	require.Equal(t, "> Title\nHello", loaded.Text())
}

func TestLoadEmptyState(t *testing.T) {
	d, err := Load("alice", nil)
	require.NoError(t, err)
	require.Equal(t, "", d.Text())
	require.Equal(t, 0, d.Len())
}

func TestApplyUpdateIdempotent(t *testing.T) {
	d := New("alice")
	up, err := d.Insert(0, "abc")
	require.NoError(t, err)

	other := New("bob")
	require.NoError(t, other.ApplyUpdate(up))
	require.NoError(t, other.ApplyUpdate(up))
	require.Equal(t, "abc", other.Text())
}

func TestConcurrentInsertConvergence(t *testing.T) {
	base := New("server")
	seed, err := base.Insert(0, "ab")
	require.NoError(t, err)

	alice := New("alice")
	require.NoError(t, alice.ApplyUpdate(seed))
	bob := New("bob")
	require.NoError(t, bob.ApplyUpdate(seed))

	upA, err := alice.Insert(1, "X")
	require.NoError(t, err)
	upB, err := bob.Insert(1, "Y")
	require.NoError(t, err)

	// Cross-apply in opposite orders.
	require.NoError(t, alice.ApplyUpdate(upB))
	require.NoError(t, bob.ApplyUpdate(upA))

	require.Equal(t, alice.Text(), bob.Text())
	require.Len(t, alice.Text(), 4)
}

func TestConcurrentDeleteInsertConvergence(t *testing.T) {
	base := New("server")
	seed, err := base.Insert(0, "hello")
	require.NoError(t, err)

	alice := New("alice")
	require.NoError(t, alice.ApplyUpdate(seed))
	bob := New("bob")
	require.NoError(t, bob.ApplyUpdate(seed))

	upA, err := alice.Delete(0, 5)
	require.NoError(t, err)
	upB, err := bob.Insert(5, "!")
	require.NoError(t, err)

	require.NoError(t, alice.ApplyUpdate(upB))
	require.NoError(t, bob.ApplyUpdate(upA))

	require.Equal(t, alice.Text(), bob.Text())
	require.Equal(t, "!", alice.Text())
}

// Any initial text inserted as a single run must round-trip byte-for-byte
// through encode/load.
func TestInitRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("single-run init round-trips through state encoding", prop.ForAll(
		func(text string) bool {
			d := New("server")
			if _, err := d.Insert(0, text); err != nil {
				return false
			}
			if d.Text() != text {
				return false
			}
			state, err := d.EncodeState()
			if err != nil {
				return false
			}
			loaded, err := Load("server", state)
			if err != nil {
				return false
			}
			return loaded.Text() == text
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
