package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"raidcore/internal/broadcast"
	"raidcore/internal/catalog"
	"raidcore/internal/db"
	"raidcore/internal/distributed"
	"raidcore/internal/domain"
	"raidcore/internal/events"
	"raidcore/internal/loop"
	"raidcore/internal/migrate"
	"raidcore/internal/orchestrator"
	"raidcore/internal/progression"
	"raidcore/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	l := loop.New(10*time.Millisecond, zerolog.Nop())
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, ServerID: "test-server"}
	orch := orchestrator.New(orchestrator.Deps{
		Catalog:     cat,
		Loop:        l,
		Repo:        r,
		Events:      w,
		Progression: progression.Fixed{Level: 1, Ascension: true},
		ServerID:    "test-server",
		Difficulty:  domain.DifficultyNormal,
		Log:         zerolog.Nop(),
	})
	coord := distributed.New(distributed.Deps{
		Orchestrator:  orch,
		Catalog:       cat,
		Loop:          l,
		Repo:          r,
		Events:        w,
		Channel:       broadcast.NewBus(),
		ServerID:      "test-server",
		Log:           zerolog.Nop(),
		ReadinessPoll: time.Hour,
	})

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	go l.Run(loopCtx)

	handler, err := New(Config{
		Orchestrator: orch,
		Coordinator:  coord,
		Catalog:      cat,
		Repo:         r,
		Loop:         l,
		BasePath:     "/v1",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			cancelLoop()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestRaidLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/raids", StartRaidRequest{
		DefinitionID: "hollow-warrens",
		Participants: []domain.Participant{{ID: "p1", Name: "Ayla"}, {ID: "p2", Name: "Brom"}},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started StartRaidResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	if !started.Accepted || started.Session == nil {
		t.Fatalf("start response: %s", string(data))
	}
	sessionID := started.Session.ID
	if started.Session.State != "active" || len(started.Session.Roster) != 2 {
		t.Fatalf("session: %+v", started.Session)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/players/p1/session", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("player session status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/raids/"+sessionID+"/progress", ProgressRequest{Objectives: 3}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var after SessionResponse
	if err := json.Unmarshal(data, &after); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if after.State != "completed" || after.Result != "success" {
		t.Fatalf("after objectives: %+v", after)
	}

	// The finished session is gone from the registry.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/raids/"+sessionID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("finished session lookup status %d", res.StatusCode)
	}

	// And its completion lands on the leaderboard.
	deadline := time.Now().Add(3 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/leaderboard/hollow-warrens", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("leaderboard status %d: %s", res.StatusCode, string(data))
		}
		var lb LeaderboardResponse
		if err := json.Unmarshal(data, &lb); err != nil {
			t.Fatalf("unmarshal leaderboard: %v", err)
		}
		if len(lb.Top) == 1 {
			if lb.Top[0].SessionID != sessionID || lb.BestTime == nil {
				t.Fatalf("leaderboard: %s", string(data))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("completion never reached the leaderboard")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRaidRejectionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/raids", StartRaidRequest{
		DefinitionID: "hollow-warrens",
		Participants: []domain.Participant{},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var out StartRaidResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Accepted || out.Reason != "roster_too_small" {
		t.Fatalf("response: %s", string(data))
	}
}

func TestEndRaidValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/raids/ghost/end", EndRaidRequest{Result: "success"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/raids/ghost/end", EndRaidRequest{Result: "victory"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad result status %d: %s", res.StatusCode, string(data))
	}
}

func TestDefinitionsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/definitions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var defs []DefinitionResponse
	if err := json.Unmarshal(data, &defs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(defs) != 4 {
		t.Fatalf("definitions = %d, want 4", len(defs))
	}
}

func TestModifierNotFoundBeforeRotation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/modifier", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", res.StatusCode)
	}
}

func TestDistributedQuorumOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/distributed", DistributedRequest{
		DefinitionID: "convergence-rift",
		Participants: []domain.Participant{{ID: "p1", Name: "Ayla"}, {ID: "p2", Name: "Brom"}},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("announce status %d: %s", res.StatusCode, string(data))
	}
	var inst DistributedResponse
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if inst.Status != "waiting_for_participants" {
		t.Fatalf("status = %s", inst.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/distributed/"+inst.InstanceID+"/start", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("force start below quorum status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/distributed/"+inst.InstanceID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/distributed/statistics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("statistics status %d: %s", res.StatusCode, string(data))
	}
	var stats distributed.Statistics
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.InstancesByStatus["waiting_for_participants"] != 1 || stats.TrackedInstances != 1 {
		t.Fatalf("statistics = %+v", stats)
	}
	if stats.TotalParticipants != 2 {
		t.Fatalf("total participants = %d", stats.TotalParticipants)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/distributed", DistributedRequest{
		DefinitionID: "hollow-warrens",
		Participants: []domain.Participant{{ID: "p9", Name: "Nyx"}},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("single-server announce status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "sekrit"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/definitions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}
	// Health stays open for probes.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAuthAcceptsValidToken(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "sekrit"})
	defer cleanup()
	client := srv.Client()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "host"}).
		SignedString([]byte("sekrit"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/definitions", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", res.StatusCode, string(data))
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "host"}).
		SignedString([]byte("wrong"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/definitions", nil,
		map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token status %d", res.StatusCode)
	}
}

func TestAuthAcceptsAPIKey(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{APIKey: "hostkey"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/definitions", nil,
		map[string]string{"X-Api-Key": "hostkey"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/definitions", nil,
		map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
	// A bearer token cannot substitute when only an api key is configured.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/definitions", nil,
		map[string]string{"Authorization": "Bearer whatever"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bearer without jwt secret status %d", res.StatusCode)
	}
}

func newTestServerWithAuth(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	l := loop.New(10*time.Millisecond, zerolog.Nop())
	orch := orchestrator.New(orchestrator.Deps{
		Catalog:     cat,
		Loop:        l,
		Repo:        repo.Repo{DB: conn},
		Events:      events.Writer{DB: conn, ServerID: "test-server"},
		Progression: progression.Fixed{Level: 1, Ascension: true},
		ServerID:    "test-server",
		Difficulty:  domain.DifficultyNormal,
		Log:         zerolog.Nop(),
	})
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	go l.Run(loopCtx)

	handler, err := New(Config{
		Orchestrator: orch,
		Catalog:      cat,
		Repo:         repo.Repo{DB: conn},
		Loop:         l,
		Auth:         auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			cancelLoop()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}
