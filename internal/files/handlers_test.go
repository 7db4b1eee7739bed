package files

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n rest of image")
	jpegHeader = []byte("\xff\xd8\xff\xe0 rest of image")
	pdfHeader  = []byte("%PDF-1.4 rest of document")
)

// fakePinner records pinned files.
type fakePinner struct {
	cid    string
	err    error
	pinned [][]byte
}

func (p *fakePinner) Pin(ctx context.Context, filename string, data []byte) (string, error) {
	p.pinned = append(p.pinned, data)
	return p.cid, p.err
}

func setupFilesRouter(t *testing.T, pinner Pinner) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler := NewHandler(pinner, "https://ipfs.io/ipfs", 10,
		[]string{"image/jpeg", "image/png", "image/webp", "application/pdf"})

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	return r
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/v1/files/upload-receipt", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadReceipt(t *testing.T) {
	pinner := &fakePinner{cid: "bafyReceipt123"}
	router := setupFilesRouter(t, pinner)

	for _, tc := range []struct {
		name     string
		filename string
		content  []byte
	}{
		{"png", "receipt.png", pngHeader},
		{"jpeg", "receipt.jpg", jpegHeader},
		{"pdf", "receipt.pdf", pdfHeader},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, uploadRequest(t, tc.filename, tc.content))

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var resp struct {
				Success  bool   `json:"success"`
				IPFSHash string `json:"ipfsHash"`
				FileURL  string `json:"fileUrl"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, "bafyReceipt123", resp.IPFSHash)
			assert.Equal(t, "https://ipfs.io/ipfs/bafyReceipt123", resp.FileURL)
		})
	}
	assert.Len(t, pinner.pinned, 3)
}

func TestUploadReceiptRejectsDisallowedType(t *testing.T) {
	pinner := &fakePinner{cid: "bafyNope"}
	router := setupFilesRouter(t, pinner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "receipt.txt", []byte("just some text")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_file_type")
	assert.Empty(t, pinner.pinned)
}

func TestUploadReceiptSniffsContentNotExtension(t *testing.T) {
	pinner := &fakePinner{cid: "bafyNope"}
	router := setupFilesRouter(t, pinner)

	// Executable content disguised with an image extension
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "receipt.png", []byte("#!/bin/sh\nrm -rf /")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_file_type")
}

func TestUploadReceiptRejectsOversize(t *testing.T) {
	pinner := &fakePinner{cid: "bafyNope"}
	router := setupFilesRouter(t, pinner)

	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte("x"), 11<<20)...)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "huge.png", big))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "file_too_large")
	assert.Empty(t, pinner.pinned)
}

func TestUploadReceiptMissingFile(t *testing.T) {
	router := setupFilesRouter(t, &fakePinner{})

	req := httptest.NewRequest("POST", "/v1/files/upload-receipt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_file")
}

func TestUploadReceiptPinFailure(t *testing.T) {
	pinner := &fakePinner{err: fmt.Errorf("node unreachable")}
	router := setupFilesRouter(t, pinner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "receipt.png", pngHeader))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "pin_failed")
}

func TestIPFSClientPin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("pin"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "receipt.png", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"Name":"receipt.png","Hash":"bafyFromNode","Size":"1234"}`)
	}))
	t.Cleanup(srv.Close)

	client := NewIPFSClient(srv.URL, "https://ipfs.io/ipfs")
	cid, err := client.Pin(context.Background(), "receipt.png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "bafyFromNode", cid)
	assert.Equal(t, "https://ipfs.io/ipfs/bafyFromNode", client.FileURL(cid))
}

func TestIPFSClientPinNodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no space left", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewIPFSClient(srv.URL, "https://ipfs.io/ipfs")
	_, err := client.Pin(context.Background(), "receipt.png", pngHeader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
