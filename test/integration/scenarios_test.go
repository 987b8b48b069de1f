// End-to-end scenarios over the real HTTP surface: a test client submits and
// confirms requests while a test worker polls, heartbeats, and reports
// results, with the expiry loop running at sub-second timings.
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbatch/queued/internal/metrics"
	"github.com/simbatch/queued/internal/model"
	"github.com/simbatch/queued/internal/queue"
	"github.com/simbatch/queued/internal/server"
	"github.com/simbatch/queued/pkg/types"
)

type mailSink struct {
	mu   sync.Mutex
	sent []types.Email
}

func (m *mailSink) Queue(e types.Email) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
}

func (m *mailSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mailSink) last() types.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

type harness struct {
	t    *testing.T
	srv  *httptest.Server
	mail *mailSink
}

func newHarness(t *testing.T, cfg queue.Config) *harness {
	t.Helper()

	subject := template.Must(template.New("s").Parse("Your {{.ModelName}} run failed"))
	body := template.Must(template.New("b").Parse("Run for {{.EmailAddress}} failed"))
	registry := model.NewRegistry(subject, body)
	require.NoError(t, registry.Register(model.NewModel("heat", 1,
		model.NewFloatParameter("conductivity", "Thermal conductivity", "W/mK", nil, nil),
	)))

	mail := &mailSink{}
	render := func(task *types.Task, code string, expiry time.Duration) types.Email {
		return types.Email{To: task.Payload.EmailAddress(), Subject: "confirm", Body: code}
	}

	ids := queue.NewIDAllocator()
	tasks := queue.NewTaskQueue()
	confirmations := queue.NewConfirmationMap(cfg.ConfirmTimeout)
	stats := metrics.NewCollector(prometheus.NewRegistry())

	broker, err := queue.NewBroker(cfg, ids, tasks, confirmations, mail, stats, render)
	require.NoError(t, err)

	loop := queue.NewExpiryLoop(cfg, tasks, ids, confirmations, mail, stats)
	loop.Start()
	t.Cleanup(loop.Stop)

	srv := httptest.NewServer(server.New(broker, registry).Router())
	t.Cleanup(srv.Close)

	return &harness{t: t, srv: srv, mail: mail}
}

func fastConfig() queue.Config {
	return queue.Config{
		ConfirmTimeout:     time.Minute,
		KeepAliveInterval:  20 * time.Millisecond,
		KeepAliveTimeout:   100 * time.Millisecond,
		MaxJobFailures:     3,
		ConfirmedCacheSize: 100,
	}
}

func (h *harness) get(path string) (int, map[string]interface{}) {
	h.t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decode(h.t, resp)
}

func (h *harness) submit(email string) (int64, string) {
	h.t.Helper()
	taskJSON := fmt.Sprintf(`{
		"modelName": "heat",
		"modelVersion": 1,
		"emailAddress": %q,
		"params": [{"name": "conductivity", "value": 0.6}]
	}`, email)
	resp, err := http.PostForm(h.srv.URL+"/client_model_create", url.Values{"task_json": {taskJSON}})
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)

	body := decode(h.t, resp)
	r := body["response"].(map[string]interface{})
	return int64(r["task"].(map[string]interface{})["taskId"].(float64)), r["code"].(string)
}

// pullTask polls worker_work_task once and returns the dispatched task, or
// ok=false on empty_queue.
func (h *harness) pullTask() (map[string]interface{}, bool) {
	h.t.Helper()
	status, body := h.get("/worker_work_task")
	require.Equal(h.t, http.StatusOK, status)
	task, ok := body["task"].(map[string]interface{})
	return task, ok
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	if json.Unmarshal(data, &body) != nil {
		return nil
	}
	return body
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, fastConfig())

	id, code := h.submit("user@example.com")
	assert.Equal(t, int64(1), id)

	// The confirmation code went out by mail; redeeming it admits the task.
	require.Equal(t, 1, h.mail.count())
	assert.Equal(t, code, h.mail.last().Body)
	status, body := h.get("/client_confirm/" + code)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "okay", body["response"])

	// A worker picks it up, stays alive, and finishes it.
	task, ok := h.pullTask()
	require.True(t, ok)
	assert.Equal(t, float64(id), task["taskId"])
	assert.Equal(t, "user@example.com", task["emailAddress"])

	status, _ = h.get(fmt.Sprintf("/worker_keep_alive_task/%d", id))
	assert.Equal(t, http.StatusOK, status)

	status, body = h.get(fmt.Sprintf("/worker_has_task/%d", id))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "yes", body["response"])

	status, body = h.get(fmt.Sprintf("/worker_succeed_task/%d", id))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "okay", body["status"])

	// Done means gone: no failure mail, nothing left to work.
	assert.Equal(t, 1, h.mail.count())
	_, ok = h.pullTask()
	assert.False(t, ok)
}

func TestConfirmationExpires(t *testing.T) {
	cfg := fastConfig()
	cfg.ConfirmTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)

	_, code := h.submit("user@example.com")
	time.Sleep(80 * time.Millisecond)

	status, _ := h.get("/client_confirm/" + code)
	assert.Equal(t, http.StatusNotFound, status)

	// The unconfirmed task never reaches the queue.
	_, ok := h.pullTask()
	assert.False(t, ok)
}

func TestSilentWorkerTaskIsRecycled(t *testing.T) {
	h := newHarness(t, fastConfig())

	id, code := h.submit("user@example.com")
	status, _ := h.get("/client_confirm/" + code)
	require.Equal(t, http.StatusOK, status)

	task, ok := h.pullTask()
	require.True(t, ok)
	require.Equal(t, float64(id), task["taskId"])

	// The worker goes silent; the expiry loop reclaims the task.
	var recycled map[string]interface{}
	require.Eventually(t, func() bool {
		recycled, ok = h.pullTask()
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	// Same payload, new id, one failure on the clock.
	assert.NotEqual(t, float64(id), recycled["taskId"])
	assert.Equal(t, float64(1), recycled["failureCount"])
	assert.Equal(t, "user@example.com", recycled["emailAddress"])

	// The old id no longer exists for any worker operation.
	status, body := h.get(fmt.Sprintf("/worker_succeed_task/%d", id))
	require.Equal(t, http.StatusOK, status)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "bad_id", errObj["type"])
}

func TestExhaustedRetriesSendFailureEmail(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxJobFailures = 1
	h := newHarness(t, cfg)

	id, code := h.submit("user@example.com")
	status, _ := h.get("/client_confirm/" + code)
	require.Equal(t, http.StatusOK, status)

	task, ok := h.pullTask()
	require.True(t, ok)
	require.Equal(t, float64(id), task["taskId"])

	status, body := h.get(fmt.Sprintf("/worker_failed_task/%d", id))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "okay", body["status"])

	// Budget spent on the first failure: the user hears about it and the
	// task does not come back.
	require.Equal(t, 2, h.mail.count())
	assert.Equal(t, "user@example.com", h.mail.last().To)
	assert.Equal(t, "Your heat run failed", h.mail.last().Subject)
	_, ok = h.pullTask()
	assert.False(t, ok)
}

func TestDoubleConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t, fastConfig())

	_, code := h.submit("user@example.com")

	status, body := h.get("/client_confirm/" + code)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "okay", body["response"])

	status, body = h.get("/client_confirm/" + code)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "already_confirmed", body["response"])

	// One confirmation admits exactly one task.
	_, ok := h.pullTask()
	require.True(t, ok)
	_, ok = h.pullTask()
	assert.False(t, ok)
}

func TestHasWorkersTracksCheckins(t *testing.T) {
	h := newHarness(t, fastConfig())

	_, body := h.get("/client_queue_has_workers")
	resp := body["response"].(map[string]interface{})
	assert.Equal(t, false, resp["has_workers"])

	// Any worker request counts as a check-in.
	h.pullTask()
	_, body = h.get("/client_queue_has_workers")
	resp = body["response"].(map[string]interface{})
	assert.Equal(t, true, resp["has_workers"])

	// The worker fleet vanishes once nobody polls for a full timeout.
	assert.Eventually(t, func() bool {
		_, body := h.get("/client_queue_has_workers")
		return body["response"].(map[string]interface{})["has_workers"] == false
	}, 2*time.Second, 20*time.Millisecond)
}
