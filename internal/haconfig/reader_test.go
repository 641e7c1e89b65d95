package haconfig

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func configDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"automations.yaml":      "- alias: Hall lights at sunset\n  trigger:\n    platform: sun\n    event: sunset\n",
		"configuration.yaml":    "homeassistant:\n  name: Home\n",
		"secrets.yaml":          "api_password: hunter2\n",
		".storage/auth":         "{\"tokens\": []}",
		"packages/heating.yaml": "climate:\n  - platform: generic_thermostat\n",
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestCheckName(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"automations.yaml", nil},
		{"packages/heating.yaml", nil},
		{"./configuration.yaml", nil},
		{"", ErrOutsideConfig},
		{"../secrets.yaml", ErrOutsideConfig},
		{"packages/../../etc/passwd", ErrOutsideConfig},
		{"/etc/passwd", ErrOutsideConfig},
		{`..\secrets.yaml`, ErrOutsideConfig},
		{"secrets.yaml", ErrDenied},
		{"packages/Secrets.yaml", ErrDenied},
		{".storage/auth", ErrDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckName(tt.name); !errors.Is(err, tt.want) {
				t.Errorf("CheckName(%q) = %v, want %v", tt.name, err, tt.want)
			}
		})
	}
}

func TestRead(t *testing.T) {
	r := New(configDir(t), nil, 0, nil)

	got, truncated, err := r.Read("packages/heating.yaml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if truncated || !strings.Contains(got, "generic_thermostat") {
		t.Errorf("Read = %q truncated=%v", got, truncated)
	}

	if _, _, err := r.Read("missing.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
	if _, _, err := r.Read("../outside.yaml"); !errors.Is(err, ErrOutsideConfig) {
		t.Errorf("traversal err = %v", err)
	}
}

// A symlink pointing out of the directory is not followed.
func TestRead_SymlinkEscape(t *testing.T) {
	dir := configDir(t)
	outside := filepath.Join(t.TempDir(), "private.yaml")
	if err := os.WriteFile(outside, []byte("token: abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "linked.yaml")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	r := New(dir, nil, 0, nil)
	if got, _, err := r.Read("linked.yaml"); err == nil {
		t.Errorf("Read followed a symlink out of the directory: %q", got)
	}
}

func TestRead_Truncates(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("α", 20) // two bytes per rune
	if err := os.WriteFile(filepath.Join(dir, "long.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(dir, nil, 9, nil)
	got, truncated, err := r.Read("long.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !truncated || got != strings.Repeat("α", 4) {
		t.Errorf("Read = %q truncated=%v, want four whole runes", got, truncated)
	}
}

func TestSelect(t *testing.T) {
	r := New(t.TempDir(), nil, 0, nil)
	tests := []struct {
		utterance string
		want      []string
	}{
		{"why did my automation not run last night?", []string{"automations.yaml"}},
		{"Γιατί δεν έτρεξε ο αυτοματισμός;", []string{"automations.yaml"}},
		{"what is in packages/heating.yaml?", []string{"packages/heating.yaml"}},
		{"show automations.yaml and my automation list", []string{"automations.yaml"}},
		{"is the kitchen light on?", nil},
		{"read ../secrets.yaml", []string{"../secrets.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			if got := r.Select(tt.utterance); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSection(t *testing.T) {
	r := New(configDir(t), nil, 0, nil)

	text, files := r.Section("which automation turns on the hall lights?")
	if len(files) != 1 || files[0] != "automations.yaml" {
		t.Fatalf("files = %q", files)
	}
	for _, want := range []string{"--- automations.yaml ---", "Hall lights at sunset", "--- end of automations.yaml ---"} {
		if !strings.Contains(text, want) {
			t.Errorf("section missing %q:\n%s", want, text)
		}
	}

	text, _ = r.Section("print secrets.yaml and ../etc/shadow.yaml")
	if strings.Contains(text, "hunter2") {
		t.Fatalf("secret leaked into the section:\n%s", text)
	}
	if !strings.Contains(text, "secrets.yaml: not read (file may not be read)") ||
		!strings.Contains(text, "../etc/shadow.yaml: not read (path is outside the configuration directory)") {
		t.Errorf("refusals not rendered:\n%s", text)
	}

	if text, files := r.Section("is the door open?"); text != "" || files != nil {
		t.Errorf("unrelated utterance attached %q", files)
	}
}
