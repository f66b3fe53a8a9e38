package session

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefgate/auth"
)

func TestServeLocalBindsFixedPrincipal(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	transport := NewLocalTransport(inR, outW)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeLocal(context.Background(), transport, newProtocol(), auth.Principal{ID: "local-user"}, nil)
	}()

	_, err := io.WriteString(inW, whoamiCall+"\n")
	require.NoError(t, err)

	reader := bufio.NewReader(outR)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, 1, resp.ID)
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, "local-user", resp.Result.Content[0].Text)

	require.NoError(t, inW.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeLocal did not return at end of input")
	}
}

func TestServeLocalStopsOnCancel(t *testing.T) {
	inR, _ := io.Pipe()
	transport := NewLocalTransport(inR, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- ServeLocal(ctx, transport, newProtocol(), auth.Principal{ID: "p"}, nil) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeLocal ignored cancellation")
	}
	assert.ErrorIs(t, transport.Send(context.Background(), testNotification()), ErrTransportClosed)
}
