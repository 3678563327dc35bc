package hub

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// HuggingFace publishes through the hub HTTP API: the repository is created if missing, large
// files go through git LFS and everything lands in a single commit on main.
type HuggingFace struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHuggingFace(endpoint, token string) *HuggingFace {
	return &HuggingFace{Endpoint: strings.TrimRight(endpoint, "/"), Token: token, Client: http.DefaultClient}
}

type hubFile struct {
	path   string // relative to the repository root
	local  string
	size   int64
	sha256 string
	sample []byte
	lfs    bool
}

func (h *HuggingFace) Publish(ctx context.Context, upload Upload) error {
	if h.Token == "" {
		return errors.New("publishing to the Hugging Face hub requires a token, set --hub_token or HF_TOKEN")
	}
	repoID, err := h.resolveRepoID(ctx, upload.Repo)
	if err != nil {
		return err
	}
	if err := h.createRepo(ctx, repoID, upload.Kind); err != nil {
		return err
	}
	rels, err := upload.files()
	if err != nil {
		return err
	}
	files := make([]*hubFile, len(rels))
	for i, rel := range rels {
		if files[i], err = describe(upload.Dir, rel); err != nil {
			return err
		}
	}
	if err := h.preupload(ctx, repoID, upload.Kind, files); err != nil {
		return err
	}
	if err := h.uploadLFS(ctx, repoID, upload.Kind, files); err != nil {
		return err
	}
	if err := h.commit(ctx, repoID, upload.Kind, upload.message(), files); err != nil {
		return err
	}
	klog.Infof("Published %d files of %s %q to %s", len(files), upload.Kind, repoID, h.Endpoint)
	return nil
}

func describe(dir, rel string) (*hubFile, error) {
	local := filepath.Join(dir, filepath.FromSlash(rel))
	f, err := os.Open(local)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", local)
	}
	defer f.Close()
	hash := sha256.New()
	sample := make([]byte, 512)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrapf(err, "reading %q", local)
	}
	hash.Write(sample[:n])
	rest, err := io.Copy(hash, f)
	if err != nil {
		return nil, errors.Wrapf(err, "hashing %q", local)
	}
	return &hubFile{
		path:   rel,
		local:  local,
		size:   int64(n) + rest,
		sha256: hex.EncodeToString(hash.Sum(nil)),
		sample: sample[:n],
	}, nil
}

func (h *HuggingFace) apiPrefix(repoID string, kind Kind) string {
	return fmt.Sprintf("%s/api/%s/%s", h.Endpoint, kind.dir(), repoID)
}

// resolveRepoID prefixes a bare repository name with the namespace of the token's owner.
func (h *HuggingFace) resolveRepoID(ctx context.Context, repo string) (string, error) {
	if strings.Contains(repo, "/") {
		return repo, nil
	}
	var whoami struct {
		Name string `json:"name"`
	}
	if err := h.do(ctx, http.MethodGet, h.Endpoint+"/api/whoami-v2", nil, &whoami); err != nil {
		return "", errors.WithMessage(err, "resolving the hub user")
	}
	return whoami.Name + "/" + repo, nil
}

func (h *HuggingFace) createRepo(ctx context.Context, repoID string, kind Kind) error {
	namespace, name, _ := strings.Cut(repoID, "/")
	body := map[string]any{"name": name, "organization": namespace, "private": false}
	if kind != KindModel {
		body["type"] = string(kind)
	}
	err := h.do(ctx, http.MethodPost, h.Endpoint+"/api/repos/create", body, nil)
	var status statusError
	if errors.As(err, &status) && status.code == http.StatusConflict {
		klog.V(1).Infof("Repository %q already exists", repoID)
		return nil
	}
	return errors.WithMessagef(err, "creating repository %q", repoID)
}

func (h *HuggingFace) preupload(ctx context.Context, repoID string, kind Kind, files []*hubFile) error {
	type preuploadFile struct {
		Path   string `json:"path"`
		Size   int64  `json:"size"`
		Sample string `json:"sample"`
	}
	req := struct {
		Files []preuploadFile `json:"files"`
	}{}
	for _, f := range files {
		req.Files = append(req.Files, preuploadFile{Path: f.path, Size: f.size, Sample: base64.StdEncoding.EncodeToString(f.sample)})
	}
	var resp struct {
		Files []struct {
			Path       string `json:"path"`
			UploadMode string `json:"uploadMode"`
		} `json:"files"`
	}
	if err := h.do(ctx, http.MethodPost, h.apiPrefix(repoID, kind)+"/preupload/main", req, &resp); err != nil {
		return errors.WithMessagef(err, "preuploading to %q", repoID)
	}
	modes := make(map[string]string, len(resp.Files))
	for _, f := range resp.Files {
		modes[f.Path] = f.UploadMode
	}
	for _, f := range files {
		f.lfs = modes[f.path] == "lfs"
	}
	return nil
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsObject struct {
	OID     string `json:"oid"`
	Size    int64  `json:"size"`
	Actions *struct {
		Upload *lfsAction `json:"upload"`
		Verify *lfsAction `json:"verify"`
	} `json:"actions,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (h *HuggingFace) uploadLFS(ctx context.Context, repoID string, kind Kind, files []*hubFile) error {
	byOID := make(map[string]*hubFile)
	var objects []lfsObject
	for _, f := range files {
		if f.lfs {
			byOID[f.sha256] = f
			objects = append(objects, lfsObject{OID: f.sha256, Size: f.size})
		}
	}
	if len(objects) == 0 {
		return nil
	}
	batchURL := fmt.Sprintf("%s/%s.git/info/lfs/objects/batch", h.Endpoint, repoID)
	if kind != KindModel {
		batchURL = fmt.Sprintf("%s/%s/%s.git/info/lfs/objects/batch", h.Endpoint, kind.dir(), repoID)
	}
	req := map[string]any{
		"operation": "upload",
		"transfers": []string{"basic", "multipart"},
		"objects":   objects,
		"hash_algo": "sha256",
	}
	var resp struct {
		Objects []lfsObject `json:"objects"`
	}
	if err := h.doLFS(ctx, batchURL, req, &resp); err != nil {
		return errors.WithMessagef(err, "requesting LFS upload for %q", repoID)
	}
	for _, obj := range resp.Objects {
		f := byOID[obj.OID]
		if f == nil {
			continue
		}
		if obj.Error != nil {
			return errors.Errorf("LFS upload of %q refused: %d %s", f.path, obj.Error.Code, obj.Error.Message)
		}
		if obj.Actions == nil || obj.Actions.Upload == nil {
			// already stored
			continue
		}
		upload := obj.Actions.Upload
		var err error
		if chunk, ok := upload.Header["chunk_size"]; ok {
			err = h.putMultipart(ctx, f, upload, chunk)
		} else {
			err = h.put(ctx, f, upload)
		}
		if err != nil {
			return err
		}
		if verify := obj.Actions.Verify; verify != nil {
			if err := h.doLFS(ctx, verify.Href, lfsObject{OID: f.sha256, Size: f.size}, nil, verify.Header); err != nil {
				return errors.WithMessagef(err, "verifying LFS upload of %q", f.path)
			}
		}
	}
	return nil
}

func (h *HuggingFace) put(ctx context.Context, f *hubFile, action *lfsAction) error {
	file, err := os.Open(f.local)
	if err != nil {
		return errors.Wrapf(err, "opening %q", f.local)
	}
	defer file.Close()
	_, err = h.putPart(ctx, action.Href, action.Header, progressReader(file, f.size, f.path), f.size)
	return errors.WithMessagef(err, "uploading %q", f.path)
}

// putMultipart sends a large file in the chunks announced by the LFS server and completes the
// upload with the returned etags.
func (h *HuggingFace) putMultipart(ctx context.Context, f *hubFile, action *lfsAction, chunk string) error {
	chunkSize, err := strconv.ParseInt(chunk, 10, 64)
	if err != nil || chunkSize <= 0 {
		return errors.Errorf("invalid LFS chunk size %q", chunk)
	}
	var parts []int
	for k := range action.Header {
		if n, err := strconv.Atoi(k); err == nil {
			parts = append(parts, n)
		}
	}
	sort.Ints(parts)
	file, err := os.Open(f.local)
	if err != nil {
		return errors.Wrapf(err, "opening %q", f.local)
	}
	defer file.Close()
	bar := progressbar.DefaultBytes(f.size, "uploading "+f.path)
	type completedPart struct {
		PartNumber int    `json:"partNumber"`
		ETag       string `json:"etag"`
	}
	completed := make([]completedPart, 0, len(parts))
	for _, n := range parts {
		offset := int64(n-1) * chunkSize
		size := min(chunkSize, f.size-offset)
		body := io.TeeReader(io.NewSectionReader(file, offset, size), bar)
		etag, err := h.putPart(ctx, action.Header[strconv.Itoa(n)], nil, body, size)
		if err != nil {
			return errors.WithMessagef(err, "uploading part %d of %q", n, f.path)
		}
		completed = append(completed, completedPart{PartNumber: n, ETag: etag})
	}
	if err := bar.Finish(); err != nil {
		klog.V(2).Infof("progress bar: %v", err)
	}
	complete := map[string]any{"oid": f.sha256, "parts": completed}
	return errors.WithMessagef(h.do(ctx, http.MethodPost, action.Href, complete, nil), "completing upload of %q", f.path)
}

func (h *HuggingFace) putPart(ctx context.Context, url string, header map[string]string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", errors.WithStack(err)
	}
	req.ContentLength = size
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "PUT %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", newStatusError(req, resp)
	}
	return resp.Header.Get("ETag"), nil
}

// commit writes the NDJSON commit payload: a header line, inline content for regular files and
// pointers for LFS files.
func (h *HuggingFace) commit(ctx context.Context, repoID string, kind Kind, message string, files []*hubFile) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	line := func(key string, value any) error {
		return enc.Encode(map[string]any{"key": key, "value": value})
	}
	if err := line("header", map[string]string{"summary": message, "description": ""}); err != nil {
		return errors.WithStack(err)
	}
	for _, f := range files {
		var err error
		if f.lfs {
			err = line("lfsFile", map[string]any{"path": f.path, "algo": "sha256", "oid": f.sha256, "size": f.size})
		} else {
			var content []byte
			if content, err = os.ReadFile(f.local); err != nil {
				return errors.Wrapf(err, "reading %q", f.local)
			}
			err = line("file", map[string]string{"path": f.path, "content": base64.StdEncoding.EncodeToString(content), "encoding": "base64"})
		}
		if err != nil {
			return errors.WithStack(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiPrefix(repoID, kind)+"/commit/main", &buf)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	return errors.WithMessagef(h.send(req, nil), "committing to %q", repoID)
}

func (h *HuggingFace) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.WithStack(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return h.send(req, out)
}

func (h *HuggingFace) doLFS(ctx context.Context, url string, body, out any, header ...map[string]string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/vnd.git-lfs+json")
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	for _, hdr := range header {
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
	}
	return h.send(req, out)
}

func (h *HuggingFace) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+h.Token)
	resp, err := h.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return newStatusError(req, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decoding response of %s %s", req.Method, req.URL)
}

type statusError struct {
	code int
	msg  string
}

func (e statusError) Error() string {
	return e.msg
}

func newStatusError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return statusError{
		code: resp.StatusCode,
		msg:  fmt.Sprintf("%s %s: unexpected status code %d: %s", req.Method, req.URL, resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

// progressReader reports the bytes read from r on a terminal progress bar.
func progressReader(r io.Reader, size int64, name string) io.Reader {
	bar := progressbar.DefaultBytes(size, "uploading "+name)
	return io.TeeReader(bufio.NewReader(r), bar)
}
