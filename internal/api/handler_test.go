package api

import (
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/auth"
)

func newTestHandler(cfg Config) *Handler {
	logger := slog.New(slog.DiscardHandler)
	return NewHandler(logger, nil, nil, nil, nil, nil, nil, nil, nil, cfg)
}

func withIdentity(r *http.Request, userID uuid.UUID) *http.Request {
	id := &auth.Identity{UserID: userID, Subject: "dev:test", Method: auth.MethodDev}
	return r.WithContext(auth.NewContext(r.Context(), id))
}

func TestHandleSynthesize_Validation(t *testing.T) {
	h := newTestHandler(Config{})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"invalid JSON", `{bad}`, http.StatusBadRequest},
		{"missing voice_id", `{"story_id":"` + uuid.NewString() + `"}`, http.StatusUnprocessableEntity},
		{"non-uuid voice_id", `{"voice_id":"not-a-uuid","story_id":"` + uuid.NewString() + `"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/synthesize", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			r = withIdentity(r, uuid.New())
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleSynthesize_Unauthenticated(t *testing.T) {
	h := newTestHandler(Config{})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	body := `{"voice_id":"` + uuid.NewString() + `","story_id":"` + uuid.NewString() + `"}`
	r := httptest.NewRequest(http.MethodPost, "/synthesize", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHandleAudioURL_InvalidIDs(t *testing.T) {
	h := newTestHandler(Config{})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	tests := []struct {
		name string
		path string
	}{
		{"bad voice_id", "/audio/url/not-a-uuid/" + uuid.NewString()},
		{"bad story_id", "/audio/url/" + uuid.NewString() + "/not-a-uuid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			r = withIdentity(r, uuid.New())
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestHandleDeleteVoice_InvalidID(t *testing.T) {
	h := newTestHandler(Config{})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodDelete, "/voices/not-a-uuid", nil)
	r = withIdentity(r, uuid.New())
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleDeleteVoice_Unauthenticated(t *testing.T) {
	h := newTestHandler(Config{})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodDelete, "/voices/"+uuid.NewString(), nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHandleCreateVoice_WrongContentType(t *testing.T) {
	h := newTestHandler(Config{VoiceSampleMaxMB: 25})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodPost, "/voices", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	r = withIdentity(r, uuid.New())
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleCreateVoice_MissingFields(t *testing.T) {
	h := newTestHandler(Config{VoiceSampleMaxMB: 25})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	// no "name" field, no "sample" file
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/voices", strings.NewReader(buf.String()))
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r = withIdentity(r, uuid.New())
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestHandleCreateVoice_UnsupportedExtension(t *testing.T) {
	h := newTestHandler(Config{VoiceSampleMaxMB: 25})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", "My Voice"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("sample", "sample.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("not audio")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/voices", strings.NewReader(buf.String()))
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r = withIdentity(r, uuid.New())
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnsupportedMediaType, w.Body.String())
	}
}

func TestRequireAdmin_ForbidsNonAllowlistedCaller(t *testing.T) {
	admin := uuid.New()
	h := newTestHandler(Config{AdminUserIDs: []uuid.UUID{admin}})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/admin/voice-slots/status", nil)
	r = withIdentity(r, uuid.New())
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestRequireAdmin_Unauthenticated(t *testing.T) {
	h := newTestHandler(Config{AdminUserIDs: []uuid.UUID{uuid.New()}})
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/admin/voice-slots/status", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
