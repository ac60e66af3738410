// Package httpapi exposes the bridge's HTTP surface: /open for the storage
// backend's office-integration flow, /save and /close for the editor and
// browser callbacks, /list for open-document telemetry.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/efss-tools/wopibridge/internal/bridge"
	"github.com/efss-tools/wopibridge/internal/editorclient"
	"github.com/efss-tools/wopibridge/internal/wopiclient"
	"github.com/efss-tools/wopibridge/internal/wopilock"
)

// MetadataHeader carries the url-escaped "<wopisrc>?t=<token>" context on
// /save calls.
const MetadataHeader = "X-EFSS-Metadata"

type ServerConfig struct {
	// BridgeURL is this service's external URL, embedded in the frame
	// page so the browser unload hook can reach /close.
	BridgeURL    string
	MaxBodyBytes int64
	Logger       *log.Logger
}

type Server struct {
	engine *bridge.Engine
	cfg    ServerConfig
	logger *log.Logger
}

func NewServer(engine *bridge.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cfg.BridgeURL = strings.TrimRight(cfg.BridgeURL, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{engine: engine, cfg: cfg, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleIndex(w, r)
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/open" && r.Method == http.MethodGet:
		s.handleOpen(w, r)
	case r.URL.Path == "/save" && r.Method == http.MethodPost:
		s.handleSave(w, r)
	case r.URL.Path == "/close" && r.Method == http.MethodPost:
		s.handleClose(w, r)
	case r.URL.Path == "/list" && r.Method == http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

var indexPage = template.Must(template.New("index").Parse(`<html>
<head><title>WOPI Bridge</title></head>
<body>
<div style="text-align:center; padding-top:50px; font-family:Verdana;">
This is a WOPI HTTP bridge, to be used in conjunction with a WOPI-enabled EFSS
and a collaborative markdown editor.
</div>
</body>
</html>
`))

// framePage wraps the editor in an iframe and registers an unload beacon
// that asks the bridge to save and close the document when the tab goes
// away.
var framePage = template.Must(template.New("frame").Parse(`<html>
<head>
<title>{{.Title}}</title>
<style type="text/css">
  body, html
  {
    margin: 0; padding: 0; height: 100%; overflow: hidden;
  }
</style>
<script>
  window.addEventListener("unload", function close() {
    try {
      navigator.sendBeacon("{{.CloseURL}}",
        new Blob([JSON.stringify({
          WOPISrc: "{{.WOPISrc}}",
          access_token: "{{.AccessToken}}",
          save: "{{.Save}}"})], { type: "text/plain" })
      );
    }
    catch(err) {
      window.alert("Save failed: " + err.message);
    }
  });
</script>
</head>
<body>
<iframe width="100%" height="100%" src="{{.RedirectURL}}"></iframe>
</body>
</html>
`))

type framePageData struct {
	Title       string
	CloseURL    string
	WOPISrc     string
	AccessToken string
	Save        string
	RedirectURL string
}

const closeRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["WOPISrc", "access_token"],
  "properties": {
    "WOPISrc": {"type": "string", "minLength": 1},
    "access_token": {"type": "string", "minLength": 1},
    "save": {"type": ["string", "boolean"]}
  }
}`

var compiledCloseSchema = mustCompileSchema("close-request.schema.json", closeRequestSchema)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		panic(err)
	}
	return compiled
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexPage.Execute(w, nil)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	wopiSrc := r.URL.Query().Get("WOPISrc")
	accessToken := r.URL.Query().Get("access_token")
	if wopiSrc == "" || accessToken == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing WOPISrc or access_token", correlationID)
		return
	}
	s.logger.Printf("msg=\"open called\" client=%q correlation=%q", r.RemoteAddr, correlationID)

	result, err := s.engine.Open(r.Context(), wopiSrc, accessToken)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = framePage.Execute(w, framePageData{
		Title:       result.Title,
		CloseURL:    s.cfg.BridgeURL + "/close",
		WOPISrc:     result.WOPISrc,
		AccessToken: result.AccessToken,
		Save:        boolString(result.WriteMode),
		RedirectURL: result.RedirectURL,
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	meta, err := url.QueryUnescape(r.Header.Get(MetadataHeader))
	if err != nil || meta == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed or missing metadata", correlationID)
		return
	}
	idx := strings.Index(meta, "?t=")
	if idx <= 0 || idx+3 >= len(meta) {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed or missing metadata", correlationID)
		return
	}
	wopiSrc, accessToken := meta[:idx], meta[idx+3:]
	closing := r.URL.Query().Get("close") == "true"
	s.logger.Printf("msg=\"save called\" client=%q close=%t correlation=%q", r.RemoteAddr, closing, correlationID)

	if err := s.engine.Save(r.Context(), wopiSrc, accessToken, closing); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type closeRequest struct {
	WOPISrc     string          `json:"WOPISrc"`
	AccessToken string          `json:"access_token"`
	Save        json.RawMessage `json:"save"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", correlationID)
		return
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := compiledCloseSchema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid close payload", correlationID)
		return
	}
	var req closeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	s.logger.Printf("msg=\"close called\" client=%q correlation=%q", r.RemoteAddr, correlationID)

	if err := s.engine.Close(r.Context(), req.WOPISrc, req.AccessToken, saveRequested(req.Save)); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.OpenDocuments()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	if entries == nil {
		entries = []bridge.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	var wopiErr *wopiclient.HTTPError
	var editorErr *editorclient.HTTPError
	switch {
	case errors.Is(err, bridge.ErrMissingContext):
		writeError(w, http.StatusNotFound, "missing_context", err.Error(), correlationID)
	case errors.Is(err, wopilock.ErrLockConflict):
		writeError(w, http.StatusConflict, "lock_conflict", err.Error(), correlationID)
	case errors.As(err, &wopiErr):
		writeError(w, upstreamStatus(wopiErr.StatusCode), "upstream_error", err.Error(), correlationID)
	case errors.As(err, &editorErr):
		writeError(w, upstreamStatus(editorErr.StatusCode), "upstream_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// upstreamStatus maps a surprising upstream success code (a create call
// that did not redirect, say) to 502 instead of echoing a non-error status.
func upstreamStatus(code int) int {
	if code < http.StatusBadRequest {
		return http.StatusBadGateway
	}
	return code
}

// saveRequested interprets the beacon's save flag; both the boolean false
// and the strings "false"/"False" mean "discard".
func saveRequested(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return !strings.EqualFold(s, "false")
	}
	return true
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
