package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientRequests(t *testing.T) {
	var gotAuth, gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req CreateTaskRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotBody = req.URL
		writeJSON(w, http.StatusAccepted, Task{ID: "t1", Target: req.URL, Status: StatusPending})
	})
	mux.HandleFunc("/api/v1/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, Task{ID: "t1", Status: StatusDownloading, Progress: 30})
		case http.MethodDelete:
			writeJSON(w, http.StatusOK, CancelTaskResponse{Cancelled: true, Task: Task{ID: "t1", Status: StatusCancelled}})
		}
	})
	mux.HandleFunc("/api/v1/proxies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ProxyList{
			Stats:   ProxyStats{Total: 1, Available: 1},
			Proxies: []ProxyInfo{{ID: "p1", Host: "10.0.0.1", Port: 8080, Score: 0.9}},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	client := NewClient(ts.URL+"/", WithAPIKey("k"))
	ctx := context.Background()

	created, err := client.CreateTask(ctx, "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.ID != "t1" || gotBody != "dQw4w9WgXcQ" || gotAuth != "Bearer k" {
		t.Errorf("created = %+v, body = %q, auth = %q", created, gotBody, gotAuth)
	}

	got, err := client.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != StatusDownloading || got.Progress != 30 {
		t.Errorf("task = %+v", got)
	}

	cancelled, err := client.CancelTask(ctx, "t1")
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if !cancelled.Cancelled || cancelled.Task.Status != StatusCancelled {
		t.Errorf("cancel = %+v", cancelled)
	}

	list, err := client.ListProxies(ctx)
	if err != nil {
		t.Fatalf("ListProxies failed: %v", err)
	}
	if list.Stats.Total != 1 || len(list.Proxies) != 1 || list.Proxies[0].Score != 0.9 {
		t.Errorf("proxies = %+v", list)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantCode   string
	}{
		{
			name: "structured error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrorBody{Code: "NOT_FOUND", Message: "The requested task does not exist."}})
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name: "plain text error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   http.StatusText(http.StatusBadGateway),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, err := NewClient(ts.URL).GetTask(context.Background(), "x")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.wantStatus || apiErr.Code != tt.wantCode {
				t.Errorf("error = %+v", apiErr)
			}
		})
	}
}

func TestWatchTask(t *testing.T) {
	upgrader := websocket.Upgrader{}
	snapshots := []Task{
		{ID: "t1", Status: StatusPending},
		{ID: "t1", Status: StatusDownloading, Progress: 20},
		{ID: "t1", Status: StatusComplete, Progress: 100},
		{ID: "t1", Status: StatusComplete, Progress: 100, Version: 99},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/t1/stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, s := range snapshots {
			if err := conn.WriteJSON(Event{Type: "task_update", Data: s}); err != nil {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}))
	defer ts.Close()

	var seen []TaskStatus
	last, err := NewClient(ts.URL).WatchTask(context.Background(), "t1", func(s Task) {
		seen = append(seen, s.Status)
	})
	if err != nil {
		t.Fatalf("WatchTask failed: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("seen = %v, want stop at the first terminal snapshot", seen)
	}
	if last == nil || last.Status != StatusComplete || last.Version == 99 {
		t.Errorf("last = %+v", last)
	}
}

func TestWatchTaskNormalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(Event{Type: "task_update", Data: Task{ID: "t1", Status: StatusProcessing, Progress: 70}})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
		time.Sleep(100 * time.Millisecond)
	}))
	defer ts.Close()

	last, err := NewClient(ts.URL).WatchTask(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("WatchTask failed: %v", err)
	}
	if last == nil || last.Status != StatusProcessing {
		t.Errorf("last = %+v", last)
	}
}

func TestWatchTaskContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewClient(ts.URL).WatchTask(ctx, "t1", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/x"},
		{"https://api.example.com/", "wss://api.example.com/x"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := NewClient(tt.base).websocketURL("/x")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("websocketURL = %q, want %q", got, tt.want)
			}
		})
	}
}
