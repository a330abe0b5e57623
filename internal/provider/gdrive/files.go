package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/cloudsync-go/internal/provider"
)

// syncFileMIME is the MIME type of the remote sync file.
const syncFileMIME = "application/json"

// metadataFields is the field selection for metadata requests.
const metadataFields = "id,name,modifiedTime,size"

// fileResource mirrors the Drive API file resource JSON. Size is a string
// in the v3 API.
type fileResource struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ModifiedTime string `json:"modifiedTime"`
	Size         string `json:"size"`
}

type fileListResponse struct {
	Files []fileResource `json:"files"`
}

// toMetadata normalizes a Drive file resource into provider.FileMetadata.
func (f *fileResource) toMetadata(logger *slog.Logger) *provider.FileMetadata {
	meta := &provider.FileMetadata{
		ID:   f.ID,
		Name: f.Name,
	}

	if f.ModifiedTime != "" {
		t, err := time.Parse(time.RFC3339, f.ModifiedTime)
		if err != nil {
			logger.Warn("invalid modifiedTime on remote file",
				slog.String("file_id", f.ID),
				slog.String("raw", f.ModifiedTime),
			)
		} else {
			meta.ModifiedTime = t
		}
	}

	if f.Size != "" {
		if n, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			meta.Size = n
		}
	}

	return meta
}

// doRequest executes one authenticated request and classifies failures into
// the shared error taxonomy. No automatic retry is performed; the Retryable
// hint on the returned error is for callers. The caller closes the response
// body on success.
func (d *Drive) doRequest(ctx context.Context, method, rawURL, contentType string, body io.Reader) (*http.Response, error) {
	tok, err := d.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, provider.WrapError(provider.KindUnknown, "creating request", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, provider.WrapError(provider.KindNetworkError, fmt.Sprintf("%s %s", method, req.URL.Path), err)
	}

	kind := provider.ClassifyStatus(resp.StatusCode)
	if kind == "" {
		d.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return nil, provider.NewError(kind,
		fmt.Sprintf("HTTP %d from %s %s: %s", resp.StatusCode, method, req.URL.Path, bytes.TrimSpace(errBody)))
}

// FileMetadata fetches metadata for the given remote file. A 404 means the
// file was deleted remotely and is reported as (nil, nil), not an error.
func (d *Drive) FileMetadata(ctx context.Context, id string) (*provider.FileMetadata, error) {
	reqURL := fmt.Sprintf("%s/files/%s?fields=%s", d.opts.APIBase, url.PathEscape(id), url.QueryEscape(metadataFields))

	resp, err := d.doRequest(ctx, http.MethodGet, reqURL, "", nil)
	if err != nil {
		if provider.KindOf(err) == provider.KindFileNotFound {
			d.logger.Info("remote file no longer exists", slog.String("file_id", id))
			return nil, nil //nolint:nilnil // sentinel for "deleted remotely"
		}

		return nil, err
	}
	defer resp.Body.Close()

	var fr fileResource
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, provider.WrapError(provider.KindParseError, "decoding metadata response", err)
	}

	return fr.toMetadata(d.logger), nil
}

// FindSyncFile locates the well-known sync file by name, excluding trashed
// files. Remote names are compared NFC-normalized because Drive may return
// decomposed Unicode for names entered on some platforms.
func (d *Drive) FindSyncFile(ctx context.Context) (string, error) {
	query := fmt.Sprintf("name = '%s' and trashed = false", d.opts.SyncFileName)
	reqURL := fmt.Sprintf("%s/files?q=%s&fields=%s&spaces=drive",
		d.opts.APIBase,
		url.QueryEscape(query),
		url.QueryEscape("files("+metadataFields+")"),
	)

	resp, err := d.doRequest(ctx, http.MethodGet, reqURL, "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var list fileListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", provider.WrapError(provider.KindParseError, "decoding file list response", err)
	}

	want := norm.NFC.String(d.opts.SyncFileName)

	for i := range list.Files {
		if norm.NFC.String(list.Files[i].Name) == want {
			d.logger.Info("found existing sync file",
				slog.String("file_id", list.Files[i].ID),
			)

			return list.Files[i].ID, nil
		}
	}

	d.logger.Info("no existing sync file found", slog.String("name", d.opts.SyncFileName))

	return "", nil
}

// Upload writes content to the remote sync file. An empty existingID creates
// the file with a multipart body carrying metadata + content; otherwise the
// existing file is overwritten in place with a media-only body.
func (d *Drive) Upload(ctx context.Context, content []byte, existingID string) (string, error) {
	if existingID == "" {
		return d.uploadCreate(ctx, content)
	}

	return d.uploadUpdate(ctx, content, existingID)
}

// uploadCreate creates the sync file via a multipart/related request:
// part one is the file metadata, part two the JSON content.
func (d *Drive) uploadCreate(ctx context.Context, content []byte) (string, error) {
	d.logger.Info("creating remote sync file",
		slog.String("name", d.opts.SyncFileName),
		slog.Int("bytes", len(content)),
	)

	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(uuid.NewString()); err != nil {
		return "", provider.WrapError(provider.KindUnknown, "setting multipart boundary", err)
	}

	metaPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return "", provider.WrapError(provider.KindUnknown, "creating metadata part", err)
	}

	meta := map[string]string{
		"name":     d.opts.SyncFileName,
		"mimeType": syncFileMIME,
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return "", provider.WrapError(provider.KindUnknown, "encoding metadata part", err)
	}

	contentPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {syncFileMIME},
	})
	if err != nil {
		return "", provider.WrapError(provider.KindUnknown, "creating content part", err)
	}

	if _, err := contentPart.Write(content); err != nil {
		return "", provider.WrapError(provider.KindUnknown, "writing content part", err)
	}

	if err := w.Close(); err != nil {
		return "", provider.WrapError(provider.KindUnknown, "closing multipart body", err)
	}

	reqURL := d.opts.UploadBase + "/files?uploadType=multipart&fields=id"
	contentType := "multipart/related; boundary=" + w.Boundary()

	resp, err := d.doRequest(ctx, http.MethodPost, reqURL, contentType, &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	return decodeFileID(resp.Body)
}

// uploadUpdate overwrites an existing file with a media-only body.
func (d *Drive) uploadUpdate(ctx context.Context, content []byte, existingID string) (string, error) {
	d.logger.Info("updating remote sync file",
		slog.String("file_id", existingID),
		slog.Int("bytes", len(content)),
	)

	reqURL := fmt.Sprintf("%s/files/%s?uploadType=media&fields=id",
		d.opts.UploadBase, url.PathEscape(existingID))

	resp, err := d.doRequest(ctx, http.MethodPatch, reqURL, syncFileMIME, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	return decodeFileID(resp.Body)
}

// decodeFileID extracts the file ID from an upload response.
func decodeFileID(r io.Reader) (string, error) {
	var fr fileResource
	if err := json.NewDecoder(r).Decode(&fr); err != nil {
		return "", provider.WrapError(provider.KindParseError, "decoding upload response", err)
	}

	if fr.ID == "" {
		return "", provider.NewError(provider.KindParseError, "upload response missing file id")
	}

	return fr.ID, nil
}

// Download returns the content of the remote file.
func (d *Drive) Download(ctx context.Context, id string) ([]byte, error) {
	d.logger.Info("downloading remote sync file", slog.String("file_id", id))

	reqURL := fmt.Sprintf("%s/files/%s?alt=media", d.opts.APIBase, url.PathEscape(id))

	resp, err := d.doRequest(ctx, http.MethodGet, reqURL, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.WrapError(provider.KindNetworkError, "reading download body", err)
	}

	d.logger.Debug("download complete",
		slog.String("file_id", id),
		slog.Int("bytes", len(content)),
	)

	return content, nil
}
