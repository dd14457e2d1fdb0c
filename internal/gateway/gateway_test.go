package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/provision"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store/sqlite"
)

// fakeEngine is an in-memory container runtime for gateway tests. Attaches
// hand out pipe pairs so tests can drive console IO from both ends.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]bool // id -> running
	attaches   chan *fakeAttach
}

type fakeAttach struct {
	// output is what the "container" prints; the gateway reads the other end.
	output io.WriteCloser
	// input receives what the gateway forwards to stdin.
	input io.ReadCloser
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]bool),
		attaches:   make(chan *fakeAttach, 4),
	}
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) Create(_ context.Context, spec runtime.CreateSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[spec.InstanceID] = false
	return nil
}

func (f *fakeEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errors.New("no such container")
	}
	f.containers[id] = true
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; ok {
		f.containers[id] = false
	}
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) Inspect(_ context.Context, id string) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.containers[id]
	if !ok {
		return runtime.State{}, nil
	}
	return runtime.State{Exists: true, Running: running, Healthy: running}, nil
}

func (f *fakeEngine) Stats(ctx context.Context, _ string) (<-chan runtime.RawStats, error) {
	ch := make(chan runtime.RawStats)
	go func() {
		defer close(ch)
		var cpu uint64
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cpu += 1000
				select {
				case ch <- runtime.RawStats{
					CPUTotalNanos:    cpu,
					SystemCPUNanos:   cpu * 10,
					OnlineCPUs:       1,
					MemoryUsedBytes:  64 << 20,
					MemoryLimitBytes: 1 << 30,
					ReadAt:           time.Now(),
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (f *fakeEngine) Logs(context.Context, string, int) ([]string, error) {
	return []string{"[Server] Done (2.3s)!"}, nil
}

func (f *fakeEngine) Attach(_ context.Context, id string) (*runtime.Console, error) {
	f.mu.Lock()
	running := f.containers[id]
	f.mu.Unlock()
	if !running {
		return nil, errors.New("container not running")
	}

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	f.attaches <- &fakeAttach{output: outW, input: inR}
	return &runtime.Console{
		Reader: outR,
		Writer: inW,
		Close: func() {
			_ = outR.Close()
			_ = inW.Close()
		},
	}, nil
}

type gwFixture struct {
	ts       *httptest.Server
	store    *sqlite.Store
	engine   *fakeEngine
	ownerKey string
	otherKey string
}

func newGatewayFixture(t *testing.T, portMin, portMax int) *gwFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.ServerConfig{
		DataRoot:            t.TempDir(),
		PortRangeMin:        portMin,
		PortRangeMax:        portMax,
		AddressPool:         []string{"203.0.113.7:eu-1"},
		APIKeyPepper:        "test-pepper",
		BindCheckTimeout:    time.Second,
		StartupGracePeriod:  5 * time.Second,
		DefaultStopGrace:    time.Second,
		MetricsInterval:     10 * time.Millisecond,
		ConsoleBufferFrames: 16,
		SecretLength:        16,
		RequestTimeout:      5 * time.Second,
		MaxBodyBytes:        1 << 20,
	}

	ctx := context.Background()
	ownerKey, otherKey := "owner-key-plain", "other-key-plain"
	if _, err := store.CreateAPIKey(ctx, "owner", auth.HashAPIKey(ownerKey, cfg.APIKeyPepper)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateAPIKey(ctx, "other", auth.HashAPIKey(otherKey, cfg.APIKeyPepper)); err != nil {
		t.Fatal(err)
	}

	engine := newFakeEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ports := provision.NewPortAllocator(store, cfg.PortRangeMin, cfg.PortRangeMax, cfg.BindCheckTimeout)
	pool := provision.NewAddressPool(cfg.ParsedAddressPool())
	provisioner := provision.New(store, ports, pool, cfg.SecretLength, logger)
	manager := lifecycle.New(store, engine, ports, lifecycle.Options{
		DataRoot:           cfg.DataRoot,
		StartupGracePeriod: cfg.StartupGracePeriod,
		DefaultStopGrace:   cfg.DefaultStopGrace,
	}, logger)
	sampler := metrics.NewSampler(engine, cfg.MetricsInterval, logger)

	g := New(cfg, store, provisioner, manager, sampler, ports, engine, logger)
	ts := httptest.NewServer(g.routes())
	t.Cleanup(ts.Close)
	return &gwFixture{ts: ts, store: store, engine: engine, ownerKey: ownerKey, otherKey: otherKey}
}

func (fx *gwFixture) request(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := fx.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (fx *gwFixture) createInstance(t *testing.T) domain.CreateInstanceResponse {
	t.Helper()
	resp := fx.request(t, http.MethodPost, "/v1/instances", fx.ownerKey, domain.CreateInstanceRequest{
		Name:     "survival",
		Image:    "warden/minecraft:latest",
		MemoryMB: 1024,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var out domain.CreateInstanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (fx *gwFixture) wsDial(path, bearer string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + path
	hdr := http.Header{}
	if bearer != "" {
		hdr.Set("Authorization", "Bearer "+bearer)
	}
	return websocket.DefaultDialer.Dial(url, hdr)
}

func TestCreateInstanceDeliversSecretOnce(t *testing.T) {
	fx := newGatewayFixture(t, 43210, 43219)

	created := fx.createInstance(t)
	if created.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", created.Status)
	}
	if created.Port < 43210 || created.Port > 43219 {
		t.Fatalf("port %d out of range", created.Port)
	}
	if len(created.Secret) != 16 {
		t.Fatalf("expected 16 char secret, got %d", len(created.Secret))
	}
	if created.Address != "203.0.113.7" || created.AddressLabel != "eu-1" {
		t.Fatalf("unexpected endpoint %s %s", created.Address, created.AddressLabel)
	}

	// Only the hash survives at rest.
	inst, err := fx.store.GetInstance(context.Background(), created.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.SecretHash == "" || inst.SecretHash == created.Secret {
		t.Fatalf("expected hashed secret at rest")
	}
	if inst.SecretHash != auth.HashSecret(created.Secret) {
		t.Fatalf("stored hash does not match delivered secret")
	}
}

func TestCreateInstanceRequiresAuth(t *testing.T) {
	fx := newGatewayFixture(t, 43220, 43229)

	resp := fx.request(t, http.MethodPost, "/v1/instances", "", domain.CreateInstanceRequest{Name: "a", Image: "img"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = fx.request(t, http.MethodPost, "/v1/instances", "wrong-key", domain.CreateInstanceRequest{Name: "a", Image: "img"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", resp.StatusCode)
	}
}

func TestCreateInstancePortsExhausted(t *testing.T) {
	fx := newGatewayFixture(t, 43230, 43230)

	fx.createInstance(t)

	resp := fx.request(t, http.MethodPost, "/v1/instances", fx.ownerKey, domain.CreateInstanceRequest{
		Name: "second", Image: "img",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var er domain.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatal(err)
	}
	if er.ErrorCode != "ports_exhausted" {
		t.Fatalf("expected ports_exhausted, got %q", er.ErrorCode)
	}
}

func TestStopAndStatusEndpoints(t *testing.T) {
	fx := newGatewayFixture(t, 43240, 43249)
	created := fx.createInstance(t)

	resp := fx.request(t, http.MethodPost, "/v1/instances/"+created.InstanceID+"/stop", fx.ownerKey, domain.StopInstanceRequest{GraceSeconds: 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap domain.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", snap.Status)
	}

	resp = fx.request(t, http.MethodGet, "/v1/instances/"+created.InstanceID, fx.ownerKey, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != domain.StatusStopped {
		t.Fatalf("status endpoint: expected stopped, got %s", snap.Status)
	}
}

func TestNonOwnerCannotTouchInstance(t *testing.T) {
	fx := newGatewayFixture(t, 43250, 43259)
	created := fx.createInstance(t)

	resp := fx.request(t, http.MethodPost, "/v1/instances/"+created.InstanceID+"/destroy", fx.otherKey, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// Still running for its owner.
	inst, err := fx.store.GetInstance(context.Background(), created.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.StatusRunning {
		t.Fatalf("expected untouched instance, got %s", inst.Status)
	}
}

func TestConsoleRejectsNonOwnerBeforeUpgrade(t *testing.T) {
	fx := newGatewayFixture(t, 43260, 43269)
	created := fx.createInstance(t)

	conn, resp, err := fx.wsDial("/v1/instances/"+created.InstanceID+"/console", fx.otherKey)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake rejection for non-owner")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %+v", resp)
	}
	// The rejection happened before any attach: no container stream was
	// opened, so not a single byte of output could have leaked.
	select {
	case <-fx.engine.attaches:
		t.Fatal("runtime attach opened for rejected caller")
	default:
	}
}

func TestConsoleBridgesBothDirections(t *testing.T) {
	fx := newGatewayFixture(t, 43270, 43279)
	created := fx.createInstance(t)

	conn, _, err := fx.wsDial("/v1/instances/"+created.InstanceID+"/console", fx.ownerKey)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var attach *fakeAttach
	select {
	case attach = <-fx.engine.attaches:
	case <-time.After(2 * time.Second):
		t.Fatal("no runtime attach observed")
	}

	// Container output reaches the client.
	if _, err := attach.output.Write([]byte("[Server] Done (2.3s)!\n")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != "[Server] Done (2.3s)!\n" {
		t.Fatalf("unexpected console output %q", msg)
	}

	// Client input reaches the container's stdin.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("say hello\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := attach.input.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "say hello\n" {
		t.Fatalf("unexpected stdin payload %q", buf[:n])
	}
}

func TestConsoleSignalsDetachOnUpstreamClose(t *testing.T) {
	fx := newGatewayFixture(t, 43320, 43329)
	created := fx.createInstance(t)

	conn, _, err := fx.wsDial("/v1/instances/"+created.InstanceID+"/console", fx.ownerKey)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var attach *fakeAttach
	select {
	case attach = <-fx.engine.attaches:
	case <-time.After(2 * time.Second):
		t.Fatal("no runtime attach observed")
	}

	// Container stream ends; the client must get a going-away close naming
	// the detach, not a silent hang.
	if err := attach.output.Close(); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close, got %d", ce.Code)
	}
	if ce.Text != domain.ErrStreamDetached.Error() {
		t.Fatalf("expected detach reason, got %q", ce.Text)
	}
}

func TestConsoleRequiresRunningInstance(t *testing.T) {
	fx := newGatewayFixture(t, 43280, 43289)
	created := fx.createInstance(t)

	resp := fx.request(t, http.MethodPost, "/v1/instances/"+created.InstanceID+"/stop", fx.ownerKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop failed: %d", resp.StatusCode)
	}

	_, hresp, err := fx.wsDial("/v1/instances/"+created.InstanceID+"/console", fx.ownerKey)
	if err == nil {
		t.Fatal("expected handshake rejection for stopped instance")
	}
	if hresp == nil || hresp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 handshake response, got %+v", hresp)
	}
}

func TestMetricsStreamDeliversSamples(t *testing.T) {
	fx := newGatewayFixture(t, 43290, 43299)
	created := fx.createInstance(t)

	conn, _, err := fx.wsDial("/v1/instances/"+created.InstanceID+"/metrics", fx.ownerKey)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sample domain.MetricsSample
	if err := conn.ReadJSON(&sample); err != nil {
		t.Fatal(err)
	}
	if sample.InstanceID != created.InstanceID {
		t.Fatalf("sample for wrong instance: %q", sample.InstanceID)
	}
	if sample.MemoryLimitBytes == 0 {
		t.Fatalf("expected memory limit in sample")
	}
}

func TestLogsEndpoint(t *testing.T) {
	fx := newGatewayFixture(t, 43300, 43309)
	created := fx.createInstance(t)

	resp := fx.request(t, http.MethodGet, "/v1/instances/"+created.InstanceID+"/logs?tail=50", fx.ownerKey, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Lines) == 0 {
		t.Fatalf("expected log lines")
	}
}

func TestRequestTimeoutBoundsRESTHandlers(t *testing.T) {
	g := &Gateway{cfg: config.ServerConfig{RequestTimeout: time.Second}}
	var deadlineSet bool
	h := g.withTimeout(func(_ http.ResponseWriter, r *http.Request) {
		_, deadlineSet = r.Context().Deadline()
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/instances", nil))
	if !deadlineSet {
		t.Fatal("expected request context deadline")
	}

	unbounded := &Gateway{}
	h = unbounded.withTimeout(func(_ http.ResponseWriter, r *http.Request) {
		_, deadlineSet = r.Context().Deadline()
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/instances", nil))
	if deadlineSet {
		t.Fatal("zero timeout must leave the handler unbounded")
	}
}

func TestListInstancesScopedToOwner(t *testing.T) {
	fx := newGatewayFixture(t, 43310, 43319)
	fx.createInstance(t)

	resp := fx.request(t, http.MethodGet, "/v1/instances", fx.otherKey, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var listed []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty list for non-owner, got %d entries", len(listed))
	}

	resp2 := fx.request(t, http.MethodGet, "/v1/instances", fx.ownerKey, nil)
	defer resp2.Body.Close()
	if err := json.NewDecoder(resp2.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one instance for owner, got %d", len(listed))
	}
}
