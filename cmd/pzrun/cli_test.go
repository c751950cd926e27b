package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"pzrun/internal/modcache"
	"pzrun/internal/stat"
)

func TestReadUIMode(t *testing.T) {
	for value, want := range map[string]uiMode{
		"":      uiAuto,
		"auto":  uiAuto,
		"ON":    uiOn,
		"never": uiOff,
		"off":   uiOff,
	} {
		got, err := readUIMode(value)
		if err != nil {
			t.Errorf("readUIMode(%q): %v", value, err)
		}
		if got != want {
			t.Errorf("readUIMode(%q) = %d, want %d", value, got, want)
		}
	}
	if _, err := readUIMode("maybe"); err == nil {
		t.Error("invalid mode accepted")
	}
}

func TestRenderVersionPretty(t *testing.T) {
	var out bytes.Buffer
	info := versionInfo{Version: "1.2.3", GitCommit: "abc123"}

	renderVersionPretty(&out, info, versionOptions{showHash: true})
	s := out.String()
	if !strings.Contains(s, "pzrun 1.2.3") || !strings.Contains(s, "commit: abc123") {
		t.Errorf("output = %q", s)
	}
}

func TestRenderVersionJSON(t *testing.T) {
	var out bytes.Buffer
	info := versionInfo{Version: "1.2.3"}

	if err := renderVersionJSON(&out, info, versionOptions{format: "json"}); err != nil {
		t.Fatal(err)
	}
	var payload versionPayload
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Tool != "pzrun" || payload.Version != "1.2.3" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRenderStatJSON(t *testing.T) {
	payload := modcache.NewPayload()
	payload.Name = "demo"
	payload.Program = true
	payload.Procs = 2
	results := []stat.Result{
		{File: "demo.pz", Digest: modcache.Digest{1}, Payload: payload},
		{File: "bad.pz", Err: errFake},
	}

	var out bytes.Buffer
	if err := renderStatJSON(&out, results); err != nil {
		t.Fatal(err)
	}
	var decoded []statPayload
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded[0].Name != "demo" || !decoded[0].Program || decoded[0].Procs != 2 {
		t.Errorf("payload 0 = %+v", decoded[0])
	}
	if decoded[1].Error == "" {
		t.Error("error result lost its message")
	}
}

func TestRenderStatPretty(t *testing.T) {
	payload := modcache.NewPayload()
	payload.Name = "demo"
	payload.Entry = true
	payload.ExportNames = []string{"demo.main"}
	results := []stat.Result{{File: "demo.pz", Payload: payload, Cached: true}}

	var out bytes.Buffer
	renderStatPretty(&out, results)
	s := out.String()
	for _, want := range []string{"demo.pz", "library demo, entry", "export demo.main", "cached"} {
		if !strings.Contains(s, want) {
			t.Errorf("output %q lacks %q", s, want)
		}
	}
}

type fakeError struct{}

func (fakeError) Error() string { return "boom" }

var errFake = fakeError{}
