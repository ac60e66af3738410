// Package bridge orchestrates document synchronization between a WOPI
// storage backend and the collaborative editor's document store. All
// cross-session coordination for a document goes through the lock held at
// the storage backend; the bridge keeps no authoritative state of its own.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efss-tools/wopibridge/internal/bundle"
	"github.com/efss-tools/wopibridge/internal/wopiclient"
	"github.com/efss-tools/wopibridge/internal/wopilock"
)

// ErrMissingContext marks a Save/Close that cannot proceed because no
// recoverable lock (and therefore no editor document id) exists for the
// file. A client-input problem, not an upstream failure.
var ErrMissingContext = errors.New("missing wopi context")

// presentationMarker opens documents whose content is slide-style.
const presentationMarker = "---\ntitle:"

// StorageClient is the slice of the WOPI protocol the engine drives.
type StorageClient interface {
	CheckFileInfo(ctx context.Context, wopiSrc, accessToken string) (wopiclient.FileInfo, error)
	GetFile(ctx context.Context, wopiSrc, accessToken string) ([]byte, error)
	PutFile(ctx context.Context, wopiSrc, accessToken, lock string, body []byte) error
	PutRelative(ctx context.Context, wopiSrc, accessToken, lock, suggestedTarget string, body []byte) error
	GetLock(ctx context.Context, wopiSrc, accessToken string) (string, error)
	Lock(ctx context.Context, wopiSrc, accessToken, lock string) error
	RefreshLock(ctx context.Context, wopiSrc, accessToken, oldLock, newLock string) error
	Unlock(ctx context.Context, wopiSrc, accessToken, lock string) error
}

// EditorClient is the slice of the editor store API the engine drives.
type EditorClient interface {
	CreateDocument(ctx context.Context, text []byte, readOnly bool) (string, error)
	FetchRawContent(ctx context.Context, docID string) ([]byte, error)
	FetchAttachment(ctx context.Context, refPath string) ([]byte, error)
}

type Options struct {
	Storage  StorageClient
	Editor   EditorClient
	Registry Registry
	Logger   *log.Logger

	// EditorExternalURL is the editor endpoint as reachable from browsers.
	EditorExternalURL string
	// AttachmentDir is where bundle attachments are staged for the editor
	// to serve; empty disables staging.
	AttachmentDir string
	// AppName is the owner name written into locks.
	AppName string
	LockTTL time.Duration
}

type Engine struct {
	storage       StorageClient
	editor        EditorClient
	registry      Registry
	logger        *log.Logger
	editorExtURL  string
	attachmentDir string
	appName       string
	lockTTL       time.Duration
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	appName := opts.AppName
	if appName == "" {
		appName = wopilock.DefaultOwnerApp
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Engine{
		storage:       opts.Storage,
		editor:        opts.Editor,
		registry:      registry,
		logger:        logger,
		editorExtURL:  strings.TrimRight(opts.EditorExternalURL, "/"),
		attachmentDir: opts.AttachmentDir,
		appName:       appName,
		lockTTL:       lockTTL,
	}
}

// OpenResult carries everything the HTTP layer needs to answer an Open:
// where to point the browser, and the context a later Save/Close must echo.
type OpenResult struct {
	RedirectURL string
	Title       string
	WriteMode   bool
	WOPISrc     string
	AccessToken string
}

// Open fetches the file's metadata, establishes (or adopts) the write lock,
// imports the document into the editor when needed, and returns the editor
// redirect. Lock problems degrade to read-only instead of refusing access.
func (e *Engine) Open(ctx context.Context, wopiSrc, accessToken string) (OpenResult, error) {
	info, err := e.storage.CheckFileInfo(ctx, wopiSrc, accessToken)
	if err != nil {
		return OpenResult{}, fmt.Errorf("fetching file metadata: %w", err)
	}

	var payload wopilock.BridgeLock
	imported := false
	if info.UserCanWrite {
		raw, err := e.storage.GetLock(ctx, wopiSrc, accessToken)
		if err != nil {
			return OpenResult{}, fmt.Errorf("querying lock: %w", err)
		}
		adopted := false
		if raw != "" {
			remote, decodeErr := wopilock.Decode(raw)
			switch {
			case decodeErr != nil:
				// Undecodable lock: some other app holds the file.
				// Serve it read-only rather than clobbering the lock.
				e.logger.Printf("msg=\"lock held by another app\" wopisrc=%q error=%q", wopiSrc, decodeErr)
				info.UserCanWrite = false
				info.BreadcrumbDocName += " (locked by another app)"
			case remote.Expired(time.Now()):
				e.logger.Printf("msg=\"ignoring expired lock\" wopisrc=%q", wopiSrc)
			case wopilock.Validate(remote, e.appName, "open") != nil:
				e.logger.Printf("msg=\"lock owned by incompatible app\" wopisrc=%q owner=%q", wopiSrc, remote.AppName)
				info.UserCanWrite = false
				info.BreadcrumbDocName += " (locked by another app)"
			default:
				// A live lock we can read is ours to share: adopt its
				// payload, no re-lock call.
				payload = remote.Payload
				adopted = true
				e.logger.Printf("msg=\"lock already held, reusing\" docid=%q", payload.DocID)
			}
		}
		if !adopted && info.UserCanWrite {
			payload, err = e.importDocument(ctx, info, wopiSrc, accessToken, false)
			if err != nil {
				return OpenResult{}, err
			}
			imported = true
			encoded, err := wopilock.Encode(e.appName, payload, e.lockTTL)
			if err != nil {
				return OpenResult{}, err
			}
			if err := e.storage.Lock(ctx, wopiSrc, accessToken, encoded); err != nil {
				// Read-only content beats no content.
				e.logger.Printf("msg=\"failed to lock file, downgrading to read-only\" wopisrc=%q error=%q", wopiSrc, err)
				info.UserCanWrite = false
			}
		}
	}
	if !info.UserCanWrite && !imported && payload.DocID == "" {
		payload, err = e.importDocument(ctx, info, wopiSrc, accessToken, true)
		if err != nil {
			return OpenResult{}, err
		}
	}

	if err := e.registry.Record(Entry{
		SessionID: uuid.NewString(),
		DocID:     payload.DocID,
		FileName:  payload.FileName,
		WriteMode: info.UserCanWrite,
		TokenTail: tokenTail(accessToken),
		OpenedAt:  time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		e.logger.Printf("msg=\"failed to record open document\" docid=%q error=%q", payload.DocID, err)
	}

	return OpenResult{
		RedirectURL: e.redirectURL(info, payload, wopiSrc, accessToken),
		Title:       info.BreadcrumbDocName,
		WriteMode:   info.UserCanWrite,
		WOPISrc:     wopiSrc,
		AccessToken: accessToken,
	}, nil
}

// importDocument copies the stored file into the editor: unbundle if
// needed, create the editor document, and derive a fresh lock payload.
func (e *Engine) importDocument(ctx context.Context, info wopiclient.FileInfo, wopiSrc, accessToken string, readOnly bool) (wopilock.BridgeLock, error) {
	content, err := e.storage.GetFile(ctx, wopiSrc, accessToken)
	if err != nil {
		return wopilock.BridgeLock{}, fmt.Errorf("fetching file content: %w", err)
	}
	text := string(content)
	if bundle.IsBundleName(info.BaseFileName) {
		text, err = bundle.Unpack(content, e.attachmentDir)
		if err != nil {
			return wopilock.BridgeLock{}, fmt.Errorf("unpacking stored bundle: %w", err)
		}
	}
	docID, err := e.editor.CreateDocument(ctx, []byte(text), readOnly)
	if err != nil {
		return wopilock.BridgeLock{}, fmt.Errorf("pushing document to editor: %w", err)
	}
	e.logger.Printf("msg=\"pushed document to editor\" docid=%q filename=%q", docID, info.BaseFileName)
	return wopilock.BridgeLock{
		DocID:    docID,
		FileName: info.BaseFileName,
		IsSlide:  strings.HasPrefix(text, presentationMarker),
		IsDirty:  false,
	}, nil
}

func (e *Engine) redirectURL(info wopiclient.FileInfo, payload wopilock.BridgeLock, wopiSrc, accessToken string) string {
	if info.UserCanWrite {
		// metadata lets the editor trigger autosave calls back to /save.
		return e.editorExtURL + payload.DocID +
			"?metadata=" + url.QueryEscape(wopiSrc+"?t="+accessToken) +
			"&displayName=" + url.QueryEscape(info.UserFriendlyName)
	}
	mode := "/publish"
	if payload.IsSlide {
		mode = "/slide"
	}
	return e.editorExtURL + payload.DocID + mode +
		"?displayName=" + url.QueryEscape(info.UserFriendlyName)
}

// Save writes the editor's current content back to storage. When closing it
// also unlocks and cleans staged attachments; otherwise it refreshes the
// lock with the dirty flag set. Post-write lock maintenance is best-effort:
// once the content write succeeded the save is reported as successful.
func (e *Engine) Save(ctx context.Context, wopiSrc, accessToken string, closing bool) error {
	raw, err := e.storage.GetLock(ctx, wopiSrc, accessToken)
	if err != nil {
		return fmt.Errorf("%w: lock retrieval failed: %v", ErrMissingContext, err)
	}
	if raw == "" {
		return fmt.Errorf("%w: file not locked", ErrMissingContext)
	}
	remote, err := wopilock.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingContext, err)
	}
	if err := wopilock.Validate(remote, e.appName, "save"); err != nil {
		return err
	}
	payload := remote.Payload

	content, err := e.editor.FetchRawContent(ctx, payload.DocID)
	if err != nil {
		return fmt.Errorf("fetching document from editor: %w", err)
	}
	text := string(content)

	refs := bundle.References(text)
	wasBundle := bundle.IsBundleName(payload.FileName)
	asBundle := wasBundle || len(refs) > 0

	var body []byte
	if asBundle {
		docFileName := payload.FileName
		if wasBundle {
			docFileName = fileStem(payload.FileName) + ".md"
		}
		body, err = bundle.Pack(ctx, text, docFileName, e.editor.FetchAttachment, e.logger)
		if err != nil {
			return fmt.Errorf("packing bundle: %w", err)
		}
	} else {
		body = content
	}

	switch {
	case wasBundle || !asBundle:
		// Overwrite in place, bundle or plain.
		err = e.storage.PutFile(ctx, wopiSrc, accessToken, raw, body)
	default:
		// First save with attachments: write the bundle next to the
		// original file instead of clobbering it.
		err = e.storage.PutRelative(ctx, wopiSrc, accessToken, raw, fileStem(payload.FileName)+bundle.Ext, body)
	}
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}

	if closing {
		if err := e.storage.Unlock(ctx, wopiSrc, accessToken, raw); err != nil {
			// The lock's own expiration is the safety net.
			e.logger.Printf("msg=\"unlock failed after save\" wopisrc=%q error=%q", wopiSrc, err)
		}
		if len(refs) > 0 {
			bundle.RemoveStaged(text, e.attachmentDir, e.logger)
		}
		if err := e.registry.Forget(payload.DocID); err != nil {
			e.logger.Printf("msg=\"failed to forget open document\" docid=%q error=%q", payload.DocID, err)
		}
		e.logger.Printf("msg=\"save and close completed\" docid=%q", payload.DocID)
		return nil
	}

	dirty := payload.WithDirty(true)
	newRaw, err := wopilock.Encode(remote.AppName, dirty, e.lockTTL)
	if err != nil {
		e.logger.Printf("msg=\"failed to encode refreshed lock\" docid=%q error=%q", payload.DocID, err)
		return nil
	}
	if err := e.storage.RefreshLock(ctx, wopiSrc, accessToken, raw, newRaw); err != nil {
		e.logger.Printf("msg=\"refresh lock failed after save\" wopisrc=%q error=%q", wopiSrc, err)
	}
	if err := e.registry.Record(Entry{
		DocID:     payload.DocID,
		FileName:  payload.FileName,
		WriteMode: true,
		Dirty:     true,
		TokenTail: tokenTail(accessToken),
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		e.logger.Printf("msg=\"failed to update open document\" docid=%q error=%q", payload.DocID, err)
	}
	e.logger.Printf("msg=\"save completed\" docid=%q", payload.DocID)
	return nil
}

// Close finishes an editing session. A no-save close (browser tab gone
// without edits) completes immediately without touching either upstream.
func (e *Engine) Close(ctx context.Context, wopiSrc, accessToken string, save bool) error {
	if !save {
		e.logger.Printf("msg=\"close without save\" wopisrc=%q", wopiSrc)
		return nil
	}
	return e.Save(ctx, wopiSrc, accessToken, true)
}

// OpenDocuments exposes the registry for the /list endpoint.
func (e *Engine) OpenDocuments() ([]Entry, error) {
	return e.registry.List()
}

func fileStem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// tokenTail keeps only enough of an access grant for log correlation.
func tokenTail(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[len(token)-20:]
}
