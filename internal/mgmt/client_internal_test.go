// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mgmt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(run func(command string) ([]byte, error)) *Client {
	return &Client{
		addr:       "127.0.0.1:2222",
		runCommand: run,
	}
}

func TestWaitReadySucceeds(t *testing.T) {
	attempts := 0
	client := newTestClient(func(_ string) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}

		return nil, nil
	})

	err := client.WaitReady(
		context.Background(),
		time.Second,
		time.Millisecond,
		make(chan struct{}),
	)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWaitReadyDeadline(t *testing.T) {
	client := newTestClient(func(_ string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	err := client.WaitReady(
		context.Background(),
		10*time.Millisecond,
		time.Millisecond,
		make(chan struct{}),
	)
	require.ErrorIs(t, err, ErrGuestUnreachable)
}

func TestWaitReadyGuestExited(t *testing.T) {
	client := newTestClient(func(_ string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	exited := make(chan struct{})
	close(exited)

	// The deadline is far away, the closed channel must win.
	err := client.WaitReady(context.Background(), time.Hour, time.Hour, exited)
	require.ErrorIs(t, err, ErrGuestExited)
}

func TestWaitReadyContextCanceled(t *testing.T) {
	client := newTestClient(func(_ string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.WaitReady(ctx, time.Hour, time.Hour, make(chan struct{}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunReturnsOutput(t *testing.T) {
	var gotCommand string

	client := newTestClient(func(command string) ([]byte, error) {
		gotCommand = command
		return []byte("NVIDIA GeForce RTX 3080, 10240, 550.54.14\n"), nil
	})

	output, err := client.Run(context.Background(), "nvidia-smi")
	require.NoError(t, err)
	assert.Equal(t, "nvidia-smi", gotCommand)
	assert.Contains(t, string(output), "RTX 3080")
}
