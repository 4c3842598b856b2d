package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain[T any](t *testing.T, s Stream[T]) ([]T, error) {
	t.Helper()
	var out []T
	for {
		v, ok, err := s.Next(context.Background())
		if !ok {
			return out, err
		}
		out = append(out, v)
	}
}

func TestOnce(t *testing.T) {
	s := Once(7)
	got, err := drain(t, s)
	require.NoError(t, err)
	require.Equal(t, []int{7}, got)

	_, ok, err := s.Next(context.Background())
	require.False(t, ok)
	require.NoError(t, err)

	closed := Once("x")
	closed.Close()
	got2, _ := drain(t, closed)
	require.Empty(t, got2)
}

func TestFromChannel(t *testing.T) {
	ch := make(chan int, 2)
	ch <- 1
	ch <- 2
	close(ch)
	closed := 0
	s := FromChannel(ch, nil, func() { closed++ })

	got, err := drain(t, s)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, got)

	s.Close()
	s.Close()
	require.Equal(t, 1, closed)
}

func TestFromChannel_Error(t *testing.T) {
	boom := errors.New("boom")
	ch := make(chan int)
	close(ch)
	s := FromChannel(ch, func() error { return boom }, nil)

	_, ok, err := s.Next(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, boom)
}

func TestFromChannel_ContextEnds(t *testing.T) {
	s := FromChannel(make(chan int), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok, err := s.Next(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcat(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	ch <- 3
	close(ch)

	got, err := drain(t, Concat(Once(0), FromChannel(ch, nil, nil), Once(4)))
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestConcat_ErrorStops(t *testing.T) {
	boom := errors.New("boom")
	ch := make(chan int, 1)
	ch <- 1
	close(ch)
	tailClosed := false
	s := Concat(Once(0), FromChannel(ch, func() error { return boom }, nil), FromChannel(make(chan int), nil, func() { tailClosed = true }))

	got, err := drain(t, s)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int{0, 1}, got)

	_, ok, err := s.Next(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, boom)

	s.Close()
	require.True(t, tailClosed)
}

func TestConcat_CancelledReadIsRetryable(t *testing.T) {
	ch := make(chan int, 1)
	s := Concat(FromChannel(ch, nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := s.Next(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)

	ch <- 9
	v, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 9, v)
	s.Close()
}
