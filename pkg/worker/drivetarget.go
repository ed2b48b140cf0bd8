package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/security"
	"github.com/cuemby/pipeline/pkg/types"
)

const (
	driveUploadEndpoint = "https://www.googleapis.com/upload/drive/v3/files?uploadType=resumable"
	driveFilesEndpoint  = "https://www.googleapis.com/drive/v3/files"
)

// DriveTarget implements UploadTarget against Google Drive's resumable
// upload endpoint, built on the package's http.Client/
// oauth2 token-refresh idiom. Drive has no discrete "part" concept: a
// session accepts a contiguous byte range per PUT and reports the
// resume offset via a Range response header, so partNumber exists here
// only for UploadProgress bookkeeping parity with S3Target.
type DriveTarget struct {
	httpClient *http.Client
}

func NewDriveTarget() *DriveTarget {
	return &DriveTarget{httpClient: http.DefaultClient}
}

func (t *DriveTarget) Provider() types.StorageProvider { return types.StorageProviderGoogleDrive }

func (t *DriveTarget) PartSize(cfg config.Config) int64 { return cfg.PartSizeDrive }

func (t *DriveTarget) client(ctx context.Context, creds any) (*http.Client, error) {
	c, ok := creds.(*security.DriveCredentials)
	if !ok {
		return nil, fmt.Errorf("drive target: unexpected credentials type %T", creds)
	}
	oauthCfg := &oauth2.Config{ClientID: c.ClientID, ClientSecret: c.ClientSecret, Endpoint: google.Endpoint}
	token := &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
	return oauthCfg.Client(ctx, token), nil
}

// driveFile is the subset of the Drive v3 file resource this target
// reads back when checking for an existing upload.
type driveFile struct {
	ID   string `json:"id"`
	Size string `json:"size"`
}

// Exists queries the Drive files.list API for a non-trashed file
// named remoteKey and reports whether one already has exactly
// totalSize bytes, so a lost checkpoint never re-uploads a file Drive
// already holds in full.
func (t *DriveTarget) Exists(ctx context.Context, creds any, remoteKey string, totalSize int64) (bool, error) {
	client, err := t.client(ctx, creds)
	if err != nil {
		return false, err
	}

	q := url.Values{}
	q.Set("q", fmt.Sprintf("name = '%s' and trashed = false", strings.ReplaceAll(remoteKey, "'", "\\'")))
	q.Set("fields", "files(id,size)")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, driveFilesEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("check existing file %s: %w", remoteKey, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("check existing file %s: status %d", remoteKey, resp.StatusCode)
	}

	var out struct {
		Files []driveFile `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode file list for %s: %w", remoteKey, err)
	}
	for _, f := range out.Files {
		size, err := strconv.ParseInt(f.Size, 10, 64)
		if err == nil && size == totalSize {
			return true, nil
		}
	}
	return false, nil
}

// isDriveSessionGone reports whether a Drive resumable-session status
// code means the session URI itself is no longer valid, as opposed to
// a transient error on an otherwise-live session.
func isDriveSessionGone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

func (t *DriveTarget) OpenSession(ctx context.Context, creds any, remoteKey string, totalSize int64) (string, error) {
	client, err := t.client(ctx, creds)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{"name": remoteKey})
	if err != nil {
		return "", fmt.Errorf("encode session metadata: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, driveUploadEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(totalSize, 10))

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("start resumable session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("start resumable session: status %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("drive: no resumable session location returned")
	}
	return location, nil
}

func (t *DriveTarget) ResumeOffset(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64) (int64, []types.PartRecord, error) {
	client, err := t.client(ctx, creds)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionID, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
	req.Header.Set("Content-Length", "0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("query resume offset: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return totalSize, nil, nil
	case 308:
		rng := resp.Header.Get("Range")
		if rng == "" {
			return 0, nil, nil
		}
		last, err := parseRangeUpperBound(rng)
		if err != nil {
			return 0, nil, err
		}
		return last + 1, nil, nil
	default:
		if isDriveSessionGone(resp.StatusCode) {
			return 0, nil, fmt.Errorf("query resume offset: status %d: %w", resp.StatusCode, ErrUploadSessionExpired)
		}
		return 0, nil, fmt.Errorf("query resume offset: status %d", resp.StatusCode)
	}
}

func (t *DriveTarget) UploadPart(ctx context.Context, creds any, remoteKey, sessionID string, partNumber int, offset, totalSize int64, chunk []byte) (types.PartRecord, error) {
	client, err := t.client(ctx, creds)
	if err != nil {
		return types.PartRecord{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionID, bytes.NewReader(chunk))
	if err != nil {
		return types.PartRecord{}, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, totalSize))
	req.ContentLength = int64(len(chunk))

	resp, err := client.Do(req)
	if err != nil {
		return types.PartRecord{}, fmt.Errorf("upload chunk at offset %d: %w", offset, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, 308:
		return types.PartRecord{PartNumber: partNumber}, nil
	default:
		if isDriveSessionGone(resp.StatusCode) {
			return types.PartRecord{}, fmt.Errorf("upload chunk at offset %d: status %d: %w", offset, resp.StatusCode, ErrUploadSessionExpired)
		}
		return types.PartRecord{}, fmt.Errorf("upload chunk at offset %d: status %d", offset, resp.StatusCode)
	}
}

// Complete is a no-op: Drive's session finalizes on the PUT that
// delivers the last byte, confirmed in UploadPart's response status.
func (t *DriveTarget) Complete(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64, parts []types.PartRecord) error {
	return nil
}

func parseRangeUpperBound(rangeHeader string) (int64, error) {
	// rangeHeader is "bytes=0-12345"
	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	idx := strings.IndexByte(spec, '-')
	if idx < 0 || idx == len(spec)-1 {
		return 0, fmt.Errorf("drive: malformed Range header %q", rangeHeader)
	}
	return strconv.ParseInt(spec[idx+1:], 10, 64)
}
