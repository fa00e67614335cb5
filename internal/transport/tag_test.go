package transport

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"inferwire/internal/wire"
)

// runFabric starts an embedded NATS server on an ephemeral port.
func runFabric(t *testing.T) string {
	t.Helper()
	s, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("fabric server: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("fabric server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func startTagPair(t *testing.T, url string, serverHandler, clientHandler Handler) (*TagTransport, *TagTransport) {
	t.Helper()
	srv := NewTag(zap.NewNop().Sugar())
	if err := srv.StartServer(Options{FabricURL: url, Channel: t.Name()}, serverHandler); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	cli := NewTag(zap.NewNop().Sugar())
	if err := cli.StartClient(Options{FabricURL: url, Channel: t.Name()}, clientHandler); err != nil {
		t.Fatalf("StartClient: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return srv, cli
}

func TestTagRoundTrip(t *testing.T) {
	url := runFabric(t)

	var srv *TagTransport
	var replies []wire.Message
	srv, cli := startTagPair(t, url,
		func(m wire.Message) {
			if m.Type != wire.ReqInfer {
				t.Errorf("server got %s", m.Type)
				return
			}
			if err := srv.Send(m.ReqID, wire.RespChunk, []byte("tagged")); err != nil {
				t.Errorf("send chunk: %v", err)
			}
			if err := srv.Send(m.ReqID, wire.RespDone, wire.EncodeDone(1, 5)); err != nil {
				t.Errorf("send done: %v", err)
			}
		},
		func(m wire.Message) {
			replies = append(replies, m)
		})

	if err := cli.Send(11, wire.ReqInfer, wire.EncodeInferRequest(1, 64, "q")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(replies) < 2 && time.Now().Before(deadline) {
		if err := srv.Progress(20 * time.Millisecond); err != nil {
			t.Fatalf("server Progress: %v", err)
		}
		if err := cli.Progress(20 * time.Millisecond); err != nil {
			t.Fatalf("client Progress: %v", err)
		}
	}
	if len(replies) != 2 {
		t.Fatalf("client got %d frames, want 2", len(replies))
	}
	if replies[0].Type != wire.RespChunk || string(replies[0].Payload) != "tagged" {
		t.Fatalf("first frame = %+v", replies[0])
	}
	if replies[1].Type != wire.RespDone || replies[1].ReqID != 11 {
		t.Fatalf("second frame = %+v", replies[1])
	}
}

// Messages shorter than a frame header are drained and dropped; the endpoint
// stays usable.
func TestTagRuntMessageDiscarded(t *testing.T) {
	url := runFabric(t)

	var got []wire.Message
	srv, cli := startTagPair(t, url,
		func(m wire.Message) { got = append(got, m) },
		func(wire.Message) {})

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	defer nc.Close()
	if err := nc.Publish(tagSubject(t.Name(), TagReq), []byte("runt")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := nc.FlushTimeout(2 * time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := srv.Progress(300 * time.Millisecond); err != nil {
		t.Fatalf("Progress after runt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("runt message delivered: %+v", got)
	}

	// Endpoint still works.
	if err := cli.Send(1, wire.ReqInfer, wire.EncodeInferRequest(1, 64, "ok")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		if err := srv.Progress(50 * time.Millisecond); err != nil {
			t.Fatalf("Progress: %v", err)
		}
	}
	if len(got) != 1 || got[0].Type != wire.ReqInfer {
		t.Fatalf("got %+v, want one REQ_INFER", got)
	}
}

// A header violation on the fabric is discarded like a runt: the message was
// already consumed, and one bad producer must not take the endpoint down.
func TestTagBadMagicDiscarded(t *testing.T) {
	url := runFabric(t)

	var got []wire.Message
	srv, cli := startTagPair(t, url,
		func(m wire.Message) { got = append(got, m) },
		func(wire.Message) {})

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	defer nc.Close()
	if err := nc.Publish(tagSubject(t.Name(), TagReq), make([]byte, wire.HeaderSize)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := nc.FlushTimeout(2 * time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := srv.Progress(300 * time.Millisecond); err != nil {
		t.Fatalf("Progress after bad magic: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("bad-magic message delivered: %+v", got)
	}

	// The endpoint keeps serving well-formed traffic.
	if err := cli.Send(1, wire.ReqInfer, wire.EncodeInferRequest(1, 64, "still here")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		if err := srv.Progress(50 * time.Millisecond); err != nil {
			t.Fatalf("Progress: %v", err)
		}
	}
	if len(got) != 1 || got[0].Type != wire.ReqInfer {
		t.Fatalf("got %+v, want one REQ_INFER", got)
	}
}

// The publish tag follows the endpoint's role, not the message type: whatever
// a client sends lands on the request tag, never on its own receive tag.
func TestTagSendUsesRoleTag(t *testing.T) {
	url := runFabric(t)

	var srvGot, cliGot []wire.Message
	srv, cli := startTagPair(t, url,
		func(m wire.Message) { srvGot = append(srvGot, m) },
		func(m wire.Message) { cliGot = append(cliGot, m) })

	if err := cli.Send(8, wire.RespErr, []byte("misdirected")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(srvGot) == 0 && time.Now().Before(deadline) {
		if err := srv.Progress(20 * time.Millisecond); err != nil {
			t.Fatalf("server Progress: %v", err)
		}
		if err := cli.Progress(0); err != nil {
			t.Fatalf("client Progress: %v", err)
		}
	}
	if len(srvGot) != 1 || srvGot[0].Type != wire.RespErr || srvGot[0].ReqID != 8 {
		t.Fatalf("server got %+v, want the client's frame", srvGot)
	}
	if len(cliGot) != 0 {
		t.Fatalf("client received its own send: %+v", cliGot)
	}
}
