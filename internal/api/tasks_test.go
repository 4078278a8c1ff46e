package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antchoi/Polymer/internal/detection"
	"github.com/antchoi/Polymer/internal/model"
	"github.com/antchoi/Polymer/internal/superres"
)

// waitOutput polls the output endpoint of id until it answers 200.
func waitOutput(t *testing.T, baseURL, id string) *http.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/v1/tasks/" + id + "/output")
		if err != nil {
			t.Fatalf("GET output: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp
		}
		resp.Body.Close()
		if time.Now().After(deadline) {
			t.Fatalf("output of %s never became available (last status %d)", id, resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitSuperResolution(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks/superresolution", superResolutionRequest{Data: []byte("later")})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted submitResponse
	decodeJSON(t, resp, &accepted)
	if len(accepted.ID) != 26 || accepted.Status != "pending" || accepted.Capability != superres.Capability {
		t.Fatalf("response = %+v", accepted)
	}

	out := waitOutput(t, ts.URL, accepted.ID)
	defer out.Body.Close()
	if ct := out.Header.Get("Content-Type"); ct != superres.OutputType {
		t.Errorf("Content-Type = %q, want %q", ct, superres.OutputType)
	}
	body, _ := io.ReadAll(out.Body)
	if string(body) != "SR:later" {
		t.Errorf("output = %q, want %q", body, "SR:later")
	}
}

func TestSubmitDetectImages(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postFiles(t, ts.URL+"/v1/tasks/detection/images", "cat", "dog")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted submitResponse
	decodeJSON(t, resp, &accepted)

	out := waitOutput(t, ts.URL, accepted.ID)
	defer out.Body.Close()
	var frames []detection.Frame
	decodeJSON(t, out, &frames)
	if len(frames) != 2 || len(frames[0].Patches) != 1 || len(frames[1].Patches) != 0 {
		t.Errorf("frames = %+v", frames)
	}
}

func TestSubmitFailedTaskOutput(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks/superresolution", superResolutionRequest{Data: []byte("fail")})
	var accepted submitResponse
	decodeJSON(t, resp, &accepted)
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := srv.store.GetTask(context.Background(), accepted.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if rec.Status == model.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task status = %s, want failed", rec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	out, err := http.Get(ts.URL + "/v1/tasks/" + accepted.ID + "/output")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Body.Close()
	if out.StatusCode != http.StatusNotFound {
		t.Errorf("output status = %d, want 404", out.StatusCode)
	}
}

func TestCloseStoresSubmittedAnswers(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for i := 0; i < 5; i++ {
		resp := postJSON(t, ts.URL+"/v1/tasks/superresolution", superResolutionRequest{Data: []byte("x")})
		var accepted submitResponse
		decodeJSON(t, resp, &accepted)
		resp.Body.Close()
		ids = append(ids, accepted.ID)
	}

	srv.Close()

	// Every task was either answered or drained at shutdown, and no record
	// is left pending.
	for _, id := range ids {
		rec, err := srv.store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		switch rec.Status {
		case model.StatusCompleted:
			if string(rec.Output) != "SR:x" {
				t.Errorf("task %s output = %q", id, rec.Output)
			}
		case model.StatusFailed:
		default:
			t.Errorf("task %s status = %s after Close", id, rec.Status)
		}
	}
}

func TestSubmitAfterCloseIsRefused(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	srv.Close()

	if srv.holdAsync() {
		t.Fatal("holdAsync succeeded after Close")
	}
	resp := postJSON(t, ts.URL+"/v1/tasks/superresolution", superResolutionRequest{Data: []byte("x")})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSubmitRacingClose(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Go(func() {
			for j := 0; j < 5; j++ {
				resp, err := http.Post(ts.URL+"/v1/tasks/superresolution", "application/json",
					strings.NewReader(`{"data":"eA=="}`))
				if err != nil {
					t.Errorf("POST: %v", err)
					return
				}
				if resp.StatusCode == http.StatusAccepted {
					var sub submitResponse
					if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
						t.Errorf("decode response: %v", err)
					}
					mu.Lock()
					accepted = append(accepted, sub.ID)
					mu.Unlock()
				}
				resp.Body.Close()
			}
		})
	}
	time.Sleep(5 * time.Millisecond)
	srv.Close()
	wg.Wait()

	// Close waited for the awaiter of every accepted task.
	for _, id := range accepted {
		rec, err := srv.store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if rec.Status == model.StatusPending {
			t.Errorf("task %s still pending after Close", id)
		}
		if rec.Status == model.StatusCompleted && string(rec.Output) != "SR:x" {
			t.Errorf("task %s output = %q", id, rec.Output)
		}
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/tasks/nonexistent", "/v1/tasks/nonexistent/output"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestGetTaskPendingOutput(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := &model.TaskRecord{
		ID:         model.NewID(),
		Capability: superres.Capability,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := srv.store.CreateTask(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/v1/tasks/" + rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got model.TaskRecord
	decodeJSON(t, resp, &got)
	resp.Body.Close()
	if got.ID != rec.ID || got.Status != model.StatusPending {
		t.Errorf("task = %+v", got)
	}

	resp, err = http.Get(ts.URL + "/v1/tasks/" + rec.ID + "/output")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("output status = %d, want 409", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/v1/superresolution", superResolutionRequest{Data: []byte("a")})
		resp.Body.Close()
	}
	resp := postFiles(t, ts.URL+"/v1/detection/image", "cat")
	resp.Body.Close()

	tests := []struct {
		query      string
		wantTotal  int
		wantLen    int
		wantLimit  int
		wantOffset int
	}{
		{"", 4, 4, defaultListLimit, 0},
		{"?capability=super_resolution", 3, 3, defaultListLimit, 0},
		{"?capability=detection", 1, 1, defaultListLimit, 0},
		{"?limit=2&offset=1", 4, 2, 2, 1},
		{"?limit=1000&offset=-5", 4, 4, defaultListLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/tasks" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			var list listTasksResponse
			decodeJSON(t, resp, &list)
			if list.Total != tt.wantTotal || len(list.Tasks) != tt.wantLen {
				t.Errorf("total/len = %d/%d, want %d/%d", list.Total, len(list.Tasks), tt.wantTotal, tt.wantLen)
			}
			if list.Limit != tt.wantLimit || list.Offset != tt.wantOffset {
				t.Errorf("limit/offset = %d/%d, want %d/%d", list.Limit, list.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestListTasksEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if want := `{"tasks":[],"total":0,"limit":20,"offset":0}` + "\n"; string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestGetStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, data := range []string{"a", "b", "fail"} {
		resp := postJSON(t, ts.URL+"/v1/superresolution", superResolutionRequest{Data: []byte(data)})
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	decodeJSON(t, resp, &stats)
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 2 || stats.ByStatus[model.StatusFailed] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.ByCapability[superres.Capability] != 3 {
		t.Errorf("ByCapability = %v", stats.ByCapability)
	}
	if stats.PendingAnswers[superres.Capability] != 0 {
		t.Errorf("PendingAnswers = %v", stats.PendingAnswers)
	}
}
