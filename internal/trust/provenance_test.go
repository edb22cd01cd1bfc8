package trust

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
)

const (
	testBuilder    = "https://github.com/slsa-framework/slsa-github-generator/.github/workflows/builder_go_slsa3.yml"
	testBuilderRef = testBuilder + "@refs/tags/v2.0.0"
)

func statementJSON(t *testing.T, contentHash, builder string) []byte {
	t.Helper()
	st := map[string]any{
		"_type": InTotoStatementV1,
		"subject": []map[string]any{
			{"name": "tool", "digest": map[string]string{"sha256": strings.TrimPrefix(contentHash, DigestPrefix)}},
		},
		"predicateType": SLSAProvenanceV1,
		"predicate": map[string]any{
			"buildDefinition": map[string]any{"buildType": "https://slsa-framework.github.io/github-actions-buildtypes/workflow/v1"},
			"runDetails":      map[string]any{"builder": map[string]string{"id": builder}},
		},
	}
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func writeAttestation(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.intoto.jsonl")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var hashA = HashBytes([]byte("tool-a"))

func TestProvenanceVerifier_Checks(t *testing.T) {
	t.Parallel()

	v := NewProvenanceVerifier(ProvenanceConfig{
		BuilderLevels: map[string]int{testBuilder: 3},
	})

	tests := []struct {
		name   string
		att    []byte
		record descriptor.ProvenanceRecord
		want   error
	}{
		{
			name:   "verified at level 3",
			att:    statementJSON(t, hashA, testBuilderRef),
			record: descriptor.ProvenanceRecord{MinLevel: 3, Builders: []string{testBuilder}},
		},
		{
			name:   "exact builder match",
			att:    statementJSON(t, hashA, testBuilderRef),
			record: descriptor.ProvenanceRecord{MinLevel: 2, Builders: []string{testBuilderRef}},
		},
		{
			name:   "subject mismatch",
			att:    statementJSON(t, HashBytes([]byte("other")), testBuilderRef),
			record: descriptor.ProvenanceRecord{Builders: []string{testBuilder}},
			want:   ErrProvenanceInvalid,
		},
		{
			name:   "builder not allowed",
			att:    statementJSON(t, hashA, "https://evil.example/builder@v1"),
			record: descriptor.ProvenanceRecord{Builders: []string{testBuilder}},
			want:   ErrProvenanceInvalid,
		},
		{
			name:   "level too low",
			att:    statementJSON(t, hashA, testBuilderRef),
			record: descriptor.ProvenanceRecord{MinLevel: 4, Builders: []string{testBuilder}},
			want:   ErrProvenanceInvalid,
		},
		{
			name:   "unknown builder defaults to level 1",
			att:    statementJSON(t, hashA, "https://ci.example/builder"),
			record: descriptor.ProvenanceRecord{MinLevel: 2},
			want:   ErrProvenanceInvalid,
		},
		{
			name:   "bad statement type",
			att:    []byte(`{"_type": "https://example.com/other", "subject": [], "predicateType": "x", "predicate": {}}`),
			record: descriptor.ProvenanceRecord{},
			want:   ErrProvenanceInvalid,
		},
		{
			name:   "not json",
			att:    []byte("garbage"),
			record: descriptor.ProvenanceRecord{},
			want:   ErrProvenanceInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := tt.record
			rec.Attestation = writeAttestation(t, tt.att)
			err := v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: &rec})
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProvenanceVerifier_LevelFromTableNotAttestation(t *testing.T) {
	t.Parallel()

	// The attestation claims level 4 in a field the verifier ignores.
	att := statementJSON(t, hashA, "https://ci.example/builder")
	var st map[string]any
	_ = json.Unmarshal(att, &st)
	st["predicate"].(map[string]any)["slsaLevel"] = 4
	att, _ = json.Marshal(st)

	v := NewProvenanceVerifier(ProvenanceConfig{})
	rec := &descriptor.ProvenanceRecord{Attestation: writeAttestation(t, att), MinLevel: 3}
	if err := v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: rec}); !errors.Is(err, ErrProvenanceInvalid) {
		t.Errorf("error = %v, want ErrProvenanceInvalid", err)
	}
}

func TestProvenanceVerifier_Envelope(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString(statementJSON(t, hashA, testBuilderRef))
	env, _ := json.Marshal(map[string]any{
		"payloadType": "application/vnd.in-toto+json",
		"payload":     payload,
		"signatures":  []any{},
	})

	v := NewProvenanceVerifier(ProvenanceConfig{})
	rec := &descriptor.ProvenanceRecord{Attestation: "file://" + writeAttestation(t, env), Builders: []string{testBuilder}}
	if err := v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: rec}); err != nil {
		t.Errorf("envelope rejected: %v", err)
	}
}

func TestProvenanceVerifier_RelativePath(t *testing.T) {
	t.Parallel()

	path := writeAttestation(t, statementJSON(t, hashA, testBuilderRef))
	v := NewProvenanceVerifier(ProvenanceConfig{})
	rec := &descriptor.ProvenanceRecord{Attestation: filepath.Base(path)}
	err := v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: rec, BaseDir: filepath.Dir(path)})
	if err != nil {
		t.Errorf("relative attestation: %v", err)
	}
}

func TestProvenanceVerifier_HTTP(t *testing.T) {
	t.Parallel()

	body := statementJSON(t, hashA, testBuilderRef)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.json":
			_, _ = w.Write(body)
		case "/slow.json":
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	v := NewProvenanceVerifier(ProvenanceConfig{HTTPClient: srv.Client(), Timeout: 100 * time.Millisecond})

	check := func(path string, offline bool) error {
		rec := &descriptor.ProvenanceRecord{Attestation: srv.URL + path}
		return v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: rec, Offline: offline})
	}

	if err := check("/ok.json", false); err != nil {
		t.Errorf("ok: %v", err)
	}
	if err := check("/missing.json", false); !errors.Is(err, ErrProvenanceUnavailable) {
		t.Errorf("404: %v", err)
	}
	if err := check("/slow.json", false); !errors.Is(err, ErrProvenanceUnavailable) {
		t.Errorf("timeout: %v", err)
	}
	if err := check("/ok.json", true); !errors.Is(err, ErrProvenanceUnavailable) {
		t.Errorf("offline: %v", err)
	}
}

func TestProvenanceVerifier_SizeCap(t *testing.T) {
	t.Parallel()

	v := NewProvenanceVerifier(ProvenanceConfig{MaxBytes: 64})
	rec := &descriptor.ProvenanceRecord{Attestation: writeAttestation(t, statementJSON(t, hashA, testBuilderRef))}
	if err := v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: rec}); !errors.Is(err, ErrProvenanceInvalid) {
		t.Errorf("error = %v, want ErrProvenanceInvalid", err)
	}
}

func TestProvenanceVerifier_UnsupportedScheme(t *testing.T) {
	t.Parallel()

	v := NewProvenanceVerifier(ProvenanceConfig{})
	rec := &descriptor.ProvenanceRecord{Attestation: "ftp://example.com/att.json"}
	if err := v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: rec}); !errors.Is(err, ErrProvenanceInvalid) {
		t.Errorf("error = %v", err)
	}
}

type denyAll struct{}

func (denyAll) Check(rawURL string) error { return errors.New("blocked " + rawURL) }

func TestProvenanceVerifier_URLCheckerRejects(t *testing.T) {
	t.Parallel()

	var fetched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
	}))
	defer srv.Close()

	v := NewProvenanceVerifier(ProvenanceConfig{HTTPClient: srv.Client(), URLs: denyAll{}})
	rec := &descriptor.ProvenanceRecord{Attestation: srv.URL + "/att.json"}
	err := v.VerifyProvenance(context.Background(), ProvenanceCheck{ContentHash: hashA, Record: rec})
	if !errors.Is(err, ErrProvenanceInvalid) {
		t.Errorf("error = %v, want ErrProvenanceInvalid", err)
	}
	if fetched {
		t.Error("rejected location was fetched")
	}
}
