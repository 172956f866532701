// ABOUTME: Tests for addressing, the driver registry and the loopback client
// ABOUTME: Verifies JID rendering, driver lookup and loopback event flow

package wire

import (
	"context"
	"errors"
	"testing"
)

func TestAddress(t *testing.T) {
	if got := Address("5511999990000", false); got != "5511999990000@s.whatsapp.net" {
		t.Errorf("Address = %q", got)
	}
	if got := Address("123456-group", true); got != "123456-group@g.us" {
		t.Errorf("group Address = %q", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("no-such-driver", SessionConfig{})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestOpenLoopback(t *testing.T) {
	client, err := Open("loopback", SessionConfig{ConnectionID: 1, TenantID: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ev := <-client.Events()
	state, ok := ev.(StateChanged)
	if !ok || state.State != StateConnected {
		t.Errorf("expected connected state event, got %#v", ev)
	}
}

func TestLoopbackSendRecords(t *testing.T) {
	l := NewLoopback(SessionConfig{})
	defer l.Close()

	handle, err := l.Send(context.Background(), Address("551100", false), TextPayload{Body: "hi"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if handle.ID == "" {
		t.Error("expected a message id")
	}

	sent := l.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	text, ok := sent[0].Payload.(TextPayload)
	if !ok || text.Body != "hi" {
		t.Errorf("unexpected payload: %#v", sent[0].Payload)
	}
}

func TestLoopbackSendAfterClose(t *testing.T) {
	l := NewLoopback(SessionConfig{})
	l.Close()

	if _, err := l.Send(context.Background(), "jid", TextPayload{Body: "hi"}); err == nil {
		t.Error("expected error sending on closed client")
	}

	// Inject after close must not panic.
	l.Inject(StateChanged{State: StateClosed})
}

func TestLoopbackMedia(t *testing.T) {
	l := NewLoopback(SessionConfig{})
	defer l.Close()

	l.StoreMedia("msg-1", []byte("bytes"))
	data, mime, err := l.DownloadMedia(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("DownloadMedia failed: %v", err)
	}
	if string(data) != "bytes" || mime == "" {
		t.Errorf("unexpected media: %q %q", data, mime)
	}

	if _, _, err := l.DownloadMedia(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing media")
	}
}
