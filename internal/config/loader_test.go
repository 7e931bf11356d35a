package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/livepanel/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing transport",
			yaml: `
server:
  log_level: info
`,
			want: []string{"transport.name is required"},
		},
		{
			name: "invalid log level",
			yaml: `
server:
  log_level: verbose
transport:
  name: gemini-live
`,
			want: []string{"server.log_level"},
		},
		{
			name: "duplicate fallback",
			yaml: `
transport:
  name: gemini-live
  fallbacks:
    - name: gemini-live
`,
			want: []string{"duplicate"},
		},
		{
			name: "unnamed fallback",
			yaml: `
transport:
  name: gemini-live
  fallbacks:
    - api_key: x
`,
			want: []string{"transport.fallbacks[0].name is required"},
		},
		{
			name: "audio out of range",
			yaml: `
transport:
  name: gemini-live
audio:
  input_rate: 4000
  block_size: -1
`,
			want: []string{"audio.input_rate", "audio.block_size"},
		},
		{
			name: "backoff inverted",
			yaml: `
transport:
  name: gemini-live
reconnect:
  backoff: 10s
  max_backoff: 1s
`,
			want: []string{"reconnect.max_backoff"},
		},
		{
			name: "negative breaker",
			yaml: `
transport:
  name: gemini-live
  breaker:
    max_failures: -2
`,
			want: []string{"transport.breaker.max_failures"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  output_rate: 100
reconnect:
  max_retries: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, w := range []string{"server.log_level", "transport.name", "audio.output_rate", "reconnect.max_retries"} {
		if !strings.Contains(err.Error(), w) {
			t.Errorf("joined error should mention %q, got: %v", w, err)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
transport:
  name: gemini-live
  api_keys: typo
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "api_keys") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_EmptyRequiresTransport(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "transport.name") {
		t.Fatalf("err = %v, want transport.name failure", err)
	}
}

func TestValidate_UnknownTransportIsNotAnError(t *testing.T) {
	t.Parallel()
	yaml := `
transport:
  name: my-custom-transport
  api_key: x
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown transport names only warn, got: %v", err)
	}
}
