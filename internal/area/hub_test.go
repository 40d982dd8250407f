package area

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/deconz"
	"github.com/dokzlo13/motiond/internal/eventbus"
	"github.com/dokzlo13/motiond/internal/schedule"
)

var epoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

// hubCall is one request seen by fakeHub, e.g. "PUT groups/8 {bri:128,transitiontime:300}".
type hubCall struct {
	Method   string
	Resource string
	Body     map[string]any
}

func (c hubCall) String() string {
	if c.Body == nil {
		return c.Method + " " + c.Resource
	}
	keys := []string{"on", "bri", "transitiontime"}
	var parts []string
	for _, k := range keys {
		if v, ok := c.Body[k]; ok {
			parts = append(parts, fmt.Sprintf("%s:%v", k, v))
		}
	}
	return c.Method + " " + c.Resource + " {" + strings.Join(parts, ",") + "}"
}

type lightState struct {
	On  bool
	Bri int
}

// fakeHub keeps per-resource state that PUTs modify and GETs report in the
// group shape. failing resources answer every request with 500, busy ones
// answer GETs with 503 a set number of times, and gated ones hold every
// request until the gate is closed.
type fakeHub struct {
	mu       sync.Mutex
	calls    []hubCall
	states   map[string]*lightState
	failing  map[string]bool
	busy     map[string]int
	gates    map[string]chan struct{}
	raw      map[string]string
	busySeen chan struct{}

	host string
	port int
}

func newFakeHub(t *testing.T) (*fakeHub, *deconz.Client) {
	t.Helper()
	h := &fakeHub{
		states:   make(map[string]*lightState),
		failing:  make(map[string]bool),
		busy:     make(map[string]int),
		gates:    make(map[string]chan struct{}),
		raw:      make(map[string]string),
		busySeen: make(chan struct{}, 1),
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	h.host = u.Hostname()
	h.port, _ = strconv.Atoi(u.Port())
	return h, h.client(2, time.Millisecond)
}

// client returns another client for the same hub with its own retry budget.
func (h *fakeHub) client(attempts int, backoff time.Duration) *deconz.Client {
	return deconz.NewClient(deconz.ClientConfig{
		Host:         h.host,
		RESTPort:     h.port,
		Credential:   "key",
		CallTimeout:  time.Second,
		MaxAttempts:  attempts,
		RetryBackoff: backoff,
	}, clock.Real())
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimPrefix(r.URL.Path, "/api/key/")
	resource = strings.TrimSuffix(resource, "/action")

	call := hubCall{Method: r.Method, Resource: resource}
	if r.Method == http.MethodPut {
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &call.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	h.mu.Lock()
	h.calls = append(h.calls, call)
	gate := h.gates[resource]
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failing[resource] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if r.Method == http.MethodGet && h.busy[resource] > 0 {
		h.busy[resource]--
		select {
		case h.busySeen <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	st := h.states[resource]
	if st == nil {
		st = &lightState{}
		h.states[resource] = st
	}

	switch r.Method {
	case http.MethodGet:
		if raw, ok := h.raw[resource]; ok {
			w.Write([]byte(raw))
			return
		}
		fmt.Fprintf(w, `{"state":{"all_on":%t,"any_on":%t},"action":{"bri":%d}}`, st.On, st.On, st.Bri)
	case http.MethodPut:
		if on, ok := call.Body["on"].(bool); ok {
			st.On = on
		}
		if bri, ok := call.Body["bri"].(float64); ok {
			st.Bri = int(bri)
		}
		w.Write([]byte(`[{"success":{}}]`))
	}
}

func (h *fakeHub) set(resource string, on bool, bri int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[resource] = &lightState{On: on, Bri: bri}
}

func (h *fakeHub) fail(resource string, failing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failing[resource] = failing
}

// slowGets makes the next n GETs of resource answer 503.
func (h *fakeHub) slowGets(resource string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy[resource] = n
}

// hold blocks requests for resource until the returned func is called.
func (h *fakeHub) hold(resource string) (release func()) {
	gate := make(chan struct{})
	h.mu.Lock()
	h.gates[resource] = gate
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.gates, resource)
			h.mu.Unlock()
			close(gate)
		})
	}
}

// waitFor polls until call has been seen, without consuming it.
func (h *fakeHub) waitFor(t *testing.T, call string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, c := range h.calls {
			if c.String() == call {
				h.mu.Unlock()
				return
			}
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never saw %q", call)
}

func (h *fakeHub) reply(resource, raw string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.raw[resource] = raw
}

// take returns the calls since the previous take.
func (h *fakeHub) take() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.calls))
	for _, c := range h.calls {
		out = append(out, c.String())
	}
	h.calls = nil
	return out
}

func expectCalls(t *testing.T, h *fakeHub, want ...string) {
	t.Helper()
	got := h.take()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("hub calls:\n  got  %q\n  want %q", got, want)
	}
}

// recorder collects published notifications synchronously.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t eventbus.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func mustSchedule(t *testing.T, raw map[string]int) *schedule.Table {
	t.Helper()
	table, err := schedule.Parse(raw)
	if err != nil {
		t.Fatalf("schedule.Parse: %v", err)
	}
	return table
}

func dayTable(t *testing.T) *schedule.Table {
	return mustSchedule(t, map[string]int{"00:00": 2, "07:30": 255, "21:00": 128, "23:00": 2})
}

func presence(sensor int, present bool) deconz.EventMessage {
	return deconz.EventMessage{
		Event:    "changed",
		Resource: deconz.ResourceSensors,
		Type:     "event",
		ID:       sensor,
		Presence: &present,
	}
}
