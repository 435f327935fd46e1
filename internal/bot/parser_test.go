package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_MemberNew(t *testing.T) {
	cmd, ok := Parse("member new Red", "!room:example.org")
	require.True(t, ok)
	assert.Equal(t, MemberNewCommand{Name: "Red"}, cmd)
}

func TestParse_MemberDisplayName(t *testing.T) {
	cmd, ok := Parse("member Red displayname Red 🔴", "!room:example.org")
	require.True(t, ok)
	assert.Equal(t, MemberDisplayNameCommand{Name: "Red", DisplayName: "Red 🔴"}, cmd)
}

func TestParse_MemberActivatorAdd(t *testing.T) {
	cmd, ok := Parse("member Red activator add r", "!room:example.org")
	require.True(t, ok)
	assert.Equal(t, MemberActivatorAddCommand{Name: "Red", Activator: "r"}, cmd)
}

func TestParse_BareActivatorSwitch(t *testing.T) {
	cmd, ok := Parse("r", "!room:example.org")
	require.True(t, ok)
	assert.Equal(t, ActivatorSwitchCommand{Activator: "r"}, cmd)
}

func TestParse_IgnoreNoArgUsesCurrentRoom(t *testing.T) {
	cmd, ok := Parse("ignore", "!room:example.org")
	require.True(t, ok)
	assert.Equal(t, IgnoreCommand{RoomID: "!room:example.org"}, cmd)
}

func TestParse_EmptyBody(t *testing.T) {
	_, ok := Parse("", "!room:example.org")
	assert.False(t, ok)
}

func TestParse_UnrecognizedMultiWord(t *testing.T) {
	_, ok := Parse("this is nonsense", "!room:example.org")
	assert.False(t, ok)
}
