package chatpod

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipe_SharedSessionID(t *testing.T) {
	client, server := NewPipe()
	defer client.Close()
	defer server.Close()

	if client.SessionID() == "" {
		t.Fatal("empty session id")
	}
	if client.SessionID() != server.SessionID() {
		t.Errorf("session ids differ: %q vs %q", client.SessionID(), server.SessionID())
	}
}

func TestPipe_ControlRoundTrip(t *testing.T) {
	client, server := NewPipe()
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	if err := client.SendControl(ctx, &StateHint{Hint: HintListenStart, Mode: ListenAuto}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	for ev, err := range server.Events() {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		ctrl, ok := ev.(*ControlEvent)
		if !ok {
			t.Fatalf("got %T; want *ControlEvent", ev)
		}
		hint, ok := ctrl.Message.(*StateHint)
		if !ok {
			t.Fatalf("got %T; want *StateHint", ctrl.Message)
		}
		if hint.Hint != HintListenStart {
			t.Errorf("Hint = %q; want %q", hint.Hint, HintListenStart)
		}
		break
	}
}

func TestPipe_PacketOrder(t *testing.T) {
	client, server := NewPipe()
	defer server.Close()

	ctx := context.Background()
	for seq := uint32(1); seq <= 5; seq++ {
		pkt := &EncodedPacket{Payload: []byte{byte(seq)}, Seq: seq}
		if err := client.SendPacket(ctx, pkt); err != nil {
			t.Fatalf("SendPacket %d: %v", seq, err)
		}
	}
	client.Close()

	var want uint32 = 1
	for ev, err := range server.Events() {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		switch ev := ev.(type) {
		case *PacketEvent:
			if ev.Packet.Seq != want {
				t.Errorf("packet seq = %d; want %d", ev.Packet.Seq, want)
			}
			want++
		case *DisconnectEvent:
			if want != 6 {
				t.Errorf("saw %d packets before disconnect; want 5", want-1)
			}
			return
		}
	}
	t.Fatal("stream ended without a DisconnectEvent")
}

func TestPipe_CloseWithError(t *testing.T) {
	client, server := NewPipe()
	defer client.Close()

	cause := errors.New("broker fell over")
	server.CloseWithError(cause)

	for ev, err := range client.Events() {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		disc, ok := ev.(*DisconnectEvent)
		if !ok {
			t.Fatalf("got %T; want *DisconnectEvent", ev)
		}
		if !errors.Is(disc.Reason, cause) {
			t.Errorf("Reason = %v; want %v", disc.Reason, cause)
		}
		return
	}
	t.Fatal("no disconnect event")
}

func TestPipe_SendAfterClose(t *testing.T) {
	client, server := NewPipe()
	server.Close()
	client.Close()

	ctx := context.Background()
	if err := client.SendControl(ctx, &Goodbye{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendControl after close = %v; want ErrSessionClosed", err)
	}
	if err := client.SendPacket(ctx, &EncodedPacket{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendPacket after close = %v; want ErrSessionClosed", err)
	}
}

func TestPipe_DoubleCloseIsSafe(t *testing.T) {
	client, server := NewPipe()
	server.Close()
	if err := server.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	client.Close()
}

func TestPipeConnector_ConnectAccept(t *testing.T) {
	pc := NewPipeConnector()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := pc.Connect(ctx, Endpoint{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	server, err := pc.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()

	if conn.SessionID() != server.SessionID() {
		t.Errorf("session ids differ: %q vs %q", conn.SessionID(), server.SessionID())
	}
}

func TestPipeConnector_AcceptTimeout(t *testing.T) {
	pc := NewPipeConnector()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := pc.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Accept with nothing queued = %v; want deadline exceeded", err)
	}
}
