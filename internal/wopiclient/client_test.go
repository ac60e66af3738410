package wopiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckFileInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/wopi/files/abc123" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "tok" {
			t.Fatalf("access token not forwarded, got %q", r.URL.Query().Get("access_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"BaseFileName":"notes.md","UserCanWrite":true,"UserFriendlyName":"Ada","BreadcrumbDocName":"notes.md"}`))
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	info, err := client.CheckFileInfo(context.Background(), server.URL+"/wopi/files/abc123", "tok")
	if err != nil {
		t.Fatalf("checkfileinfo failed: %v", err)
	}
	if info.BaseFileName != "notes.md" || !info.UserCanWrite || info.UserFriendlyName != "Ada" {
		t.Fatalf("unexpected metadata: %+v", info)
	}
}

func TestCheckFileInfoMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	if _, err := client.CheckFileInfo(context.Background(), server.URL+"/wopi/files/abc123", "tok"); err == nil {
		t.Fatal("expected error for malformed metadata")
	}
}

func TestGetFileTargetsContents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wopi/files/abc123/contents" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("# doc"))
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	content, err := client.GetFile(context.Background(), server.URL+"/wopi/files/abc123", "tok")
	if err != nil {
		t.Fatalf("getfile failed: %v", err)
	}
	if string(content) != "# doc" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestPutFileSendsLockToContents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wopi/files/abc123/contents" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(HeaderLock) != "lockvalue" {
			t.Fatalf("lock header not sent, got %q", r.Header.Get(HeaderLock))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "new content" {
			t.Fatalf("unexpected body %q", body)
		}
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	if err := client.PutFile(context.Background(), server.URL+"/wopi/files/abc123", "tok", "lockvalue", []byte("new content")); err != nil {
		t.Fatalf("putfile failed: %v", err)
	}
}

func TestPutRelativeHitsFileEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// PUT_RELATIVE goes to the file endpoint, not /contents
		if r.URL.Path != "/wopi/files/abc123" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(HeaderOverride) != "PUT_RELATIVE" {
			t.Fatalf("unexpected override %q", r.Header.Get(HeaderOverride))
		}
		if r.Header.Get(HeaderSuggestedTarget) != "notes.zmd" {
			t.Fatalf("unexpected suggested target %q", r.Header.Get(HeaderSuggestedTarget))
		}
		if r.Header.Get(HeaderLock) != "lockvalue" {
			t.Fatalf("lock header not sent, got %q", r.Header.Get(HeaderLock))
		}
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	err := client.PutRelative(context.Background(), server.URL+"/wopi/files/abc123", "tok", "lockvalue", "notes.zmd", []byte("zip"))
	if err != nil {
		t.Fatalf("putrelative failed: %v", err)
	}
}

func TestLockVerbs(t *testing.T) {
	var gotOverride, gotLock, gotOldLock string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOverride = r.Header.Get(HeaderOverride)
		gotLock = r.Header.Get(HeaderLock)
		gotOldLock = r.Header.Get(HeaderOldLock)
		if gotOverride == "GET_LOCK" {
			w.Header().Set(HeaderLock, "heldlock")
		}
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	ctx := context.Background()
	src := server.URL + "/wopi/files/abc123"

	held, err := client.GetLock(ctx, src, "tok")
	if err != nil || held != "heldlock" {
		t.Fatalf("getlock: held=%q err=%v", held, err)
	}
	if err := client.Lock(ctx, src, "tok", "l1"); err != nil || gotOverride != "LOCK" || gotLock != "l1" {
		t.Fatalf("lock: override=%q lock=%q err=%v", gotOverride, gotLock, err)
	}
	if err := client.RefreshLock(ctx, src, "tok", "l1", "l2"); err != nil || gotOverride != "REFRESH_LOCK" || gotOldLock != "l1" || gotLock != "l2" {
		t.Fatalf("refreshlock: override=%q old=%q new=%q err=%v", gotOverride, gotOldLock, gotLock, err)
	}
	if err := client.Unlock(ctx, src, "tok", "l2"); err != nil || gotOverride != "UNLOCK" || gotLock != "l2" {
		t.Fatalf("unlock: override=%q lock=%q err=%v", gotOverride, gotLock, err)
	}
}

func TestGetLockUnlockedFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 with no lock header means "not locked"
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	held, err := client.GetLock(context.Background(), server.URL+"/wopi/files/abc123", "tok")
	if err != nil {
		t.Fatalf("getlock failed: %v", err)
	}
	if held != "" {
		t.Fatalf("expected empty lock, got %q", held)
	}
}

func TestNonSuccessSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	err := client.Lock(context.Background(), server.URL+"/wopi/files/abc123", "tok", "l1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", httpErr.StatusCode)
	}
}

func TestNoRetries(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	if err := client.Lock(context.Background(), server.URL+"/wopi/files/abc123", "tok", "l1"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}
