package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingEcho_MatchConsumesOldestEqualEntry(t *testing.T) {
	p := NewPendingEcho()
	p.Register("hi")
	p.Register("other")
	p.Register("hi")
	require.Equal(t, 3, p.Len())

	require.True(t, p.Match("hi"))
	require.True(t, p.Match("hi"))
	require.False(t, p.Match("hi"), "only two registrations of hi")
	require.Equal(t, 1, p.Len())
	require.True(t, p.Match("other"))
	require.Zero(t, p.Len())
}

func TestPendingEcho_MatchIsExact(t *testing.T) {
	p := NewPendingEcho()
	p.Register("hi ")

	require.False(t, p.Match("hi"))
	require.False(t, p.Match(" hi "))
	require.Equal(t, 1, p.Len())
	require.True(t, p.Match("hi "))
	require.Zero(t, p.Len())
}

func TestPendingEcho_WithdrawRemovesOnlyThatTicket(t *testing.T) {
	p := NewPendingEcho()
	first := p.Register("same")
	second := p.Register("same")
	require.NotEqual(t, first, second)

	require.True(t, p.Withdraw(second))
	require.False(t, p.Withdraw(second))
	require.Equal(t, 1, p.Len())

	require.True(t, p.Match("same"))
	require.False(t, p.Withdraw(first), "already consumed by the match")
}

func TestPendingEcho_Clear(t *testing.T) {
	p := NewPendingEcho()
	p.Register("a")
	p.Register("b")
	p.Clear()
	require.Zero(t, p.Len())
	require.False(t, p.Match("a"))
}
