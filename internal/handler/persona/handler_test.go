package persona

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

func setupRouter(t *testing.T, items []persona.Persona) *chi.Mux {
	t.Helper()
	reg, err := persona.NewRegistry(items)
	if err != nil {
		t.Fatalf("NewRegistry err: %v", err)
	}
	r := chi.NewRouter()
	New(reg).RegisterRoutes(r)
	return r
}

func TestListPersonas(t *testing.T) {
	r := setupRouter(t, persona.Seed())

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got []persona.Persona
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(got) != len(persona.Seed()) || got[0].ID != "riley" {
		t.Fatalf("unexpected personas: %+v", got)
	}
}

func TestGetPersonaNotFound(t *testing.T) {
	r := setupRouter(t, persona.Seed())

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas/ghost", nil))

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAddPersona(t *testing.T) {
	r := setupRouter(t, persona.Seed())
	body, _ := json.Marshal(persona.Persona{ID: "milo", Name: "Milo", Prompt: "You are Milo."})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/personas", bytes.NewReader(body)))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/personas", bytes.NewReader(body)))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", resp.Code)
	}
}

func TestAddPersonaInvalid(t *testing.T) {
	r := setupRouter(t, persona.Seed())
	body, _ := json.Marshal(persona.Persona{ID: "Bad Id", Name: "x", Prompt: "y"})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/personas", bytes.NewReader(body)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestPersonaImage(t *testing.T) {
	img := filepath.Join(t.TempDir(), "milo.jpg")
	if err := os.WriteFile(img, []byte("fake-jpeg"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	r := setupRouter(t, []persona.Persona{{ID: "milo", Name: "Milo", Prompt: "p", ImagePaths: []string{img}}})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas/milo/image", nil))
	if resp.Code != http.StatusOK || resp.Body.String() != "fake-jpeg" {
		t.Fatalf("unexpected image response %d %q", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas/milo/image?index=3", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing index, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/personas/milo/image?index=x", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad index, got %d", resp.Code)
	}
}
