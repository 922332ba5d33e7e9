package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellcontrol-go/bus"
	"cellcontrol-go/services/engine"
	"cellcontrol-go/types"
)

// fakeEngine answers control requests the way the real engine does: OKReply
// for everything except an out-of-range lambda.
func fakeEngine(b *bus.Bus) {
	conn := b.NewConnection("fake-engine")
	sub := conn.Subscribe(bus.Topic{"cell", "control", "#"})
	go func() {
		for msg := range sub.Channel() {
			if msg.Topic.Equal(engine.TopicSetLambda) {
				if p, ok := msg.Payload.(types.SetLambda); !ok || p.Charge > 20 {
					conn.Reply(msg, types.ErrorReply{Error: "out_of_range"}, false)
					continue
				}
			}
			if msg.Topic.Equal(engine.TopicPrimingRead) {
				conn.Reply(msg, types.PrimingReply{OK: true, Value: "1"}, false)
				continue
			}
			conn.Reply(msg, types.OKReply{OK: true}, false)
		}
	}()
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s := New(":0", bus.NewBus(8), nil)
	w := do(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusBeforeFirstSnapshot(t *testing.T) {
	s := New(":0", bus.NewBus(8), nil)
	w := do(s, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusMirrorsRetainedSnapshot(t *testing.T) {
	b := bus.NewBus(8)
	pub := b.NewConnection("pub")
	pub.Publish(pub.NewMessage(engine.TopicStateEngine,
		types.EngineSnapshot{RunID: "run-42", Running: true}, true))

	s := New(":0", b, nil)
	require.Eventually(t, func() bool {
		return do(s, http.MethodGet, "/api/v1/status", "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond, "retained snapshot never mirrored")

	w := do(s, http.MethodGet, "/api/v1/status", "")
	assert.Contains(t, w.Body.String(), `"run-42"`)
	assert.Contains(t, w.Body.String(), `"running":true`)
}

func TestCommandForwardsToEngine(t *testing.T) {
	b := bus.NewBus(8)
	fakeEngine(b)
	s := New(":0", b, nil)

	w := do(s, http.MethodPost, "/api/v1/run/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)

	w = do(s, http.MethodPost, "/api/v1/settings/lambda", `{"charge":1.5,"discharge":1.0}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCommandEngineRejection(t *testing.T) {
	b := bus.NewBus(8)
	fakeEngine(b)
	s := New(":0", b, nil)

	w := do(s, http.MethodPost, "/api/v1/settings/lambda", `{"charge":99,"discharge":1.0}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "out_of_range")
}

func TestCommandBadJSON(t *testing.T) {
	b := bus.NewBus(8)
	fakeEngine(b)
	s := New(":0", b, nil)

	w := do(s, http.MethodPost, "/api/v1/settings/lambda", `{"charge":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrimingRead(t *testing.T) {
	b := bus.NewBus(8)
	fakeEngine(b)
	s := New(":0", b, nil)

	w := do(s, http.MethodGet, "/api/v1/priming", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":"1"`)
}

func TestCommandTimesOutWithoutEngine(t *testing.T) {
	s := New(":0", bus.NewBus(8), nil)
	s.reqTimeout = 50 * time.Millisecond

	w := do(s, http.MethodPost, "/api/v1/run/start", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}
