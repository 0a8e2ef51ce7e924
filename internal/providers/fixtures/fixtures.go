package fixtures

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
)

//go:embed testdata/*
var files embed.FS

// Load decodes the named JSON fixture file into dest.
func Load(name string, dest interface{}) error {
	data, err := Read(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode fixture %s: %w", name, err)
	}
	return nil
}

// Read returns the raw bytes for a fixture file.
func Read(name string) ([]byte, error) {
	data, err := files.ReadFile("testdata/" + name)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", name, err)
	}
	return data, nil
}

// Serve writes a fixture as a JSON response with the given status; used by
// httptest handlers standing in for the upstream API.
func Serve(w http.ResponseWriter, name string, status int) {
	data, err := Read(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
