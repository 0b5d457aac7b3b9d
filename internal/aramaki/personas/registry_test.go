package personas_test

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/bdobrica/Aramaki/internal/aramaki/personas"
)

// makeFS creates an in-memory fs.FS for testing.
func makeFS(files map[string]string) fstest.MapFS {
	m := make(fstest.MapFS)
	for path, content := range files {
		m[path] = &fstest.MapFile{Data: []byte(content)}
	}
	return m
}

const motokoProfile = `apiVersion: persona/v1
metadata:
  name: motoko
  displayName: Motoko
matrix:
  homeserver: https://matrix.example.org
  userID: "@motoko:example.org"
  accessTokenEnv: MOTOKO_ACCESS_TOKEN
  rooms:
    - "!lounge:example.org"
moderation:
  rooms:
    - "!lounge:example.org"
`

const batouProfile = `apiVersion: persona/v1
metadata:
  name: batou
matrix:
  homeserver: https://matrix.example.org
  userID: "@batou:example.org"
  accessTokenEnv: BATOU_ACCESS_TOKEN
  rooms:
    - "!ops:example.org"
`

func TestLoad(t *testing.T) {
	fs := makeFS(map[string]string{
		"motoko.yaml": motokoProfile,
		"batou.yaml":  batouProfile,
		"README.md":   "not a profile",
	})

	reg, err := personas.Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if reg.Count() != 2 {
		t.Errorf("Count = %d, want 2", reg.Count())
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "batou" || got[1] != "motoko" {
		t.Errorf("Names = %v", got)
	}
	if p := reg.Get("motoko"); p == nil || p.Matrix.UserID != "@motoko:example.org" {
		t.Errorf("Get(motoko) = %+v", p)
	}
	if p := reg.ByUserID("@batou:example.org"); p == nil || p.Metadata.Name != "batou" {
		t.Errorf("ByUserID(batou) = %+v", p)
	}
	if reg.Get("unknown") != nil {
		t.Error("Get(unknown) should be nil")
	}
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	fs := makeFS(map[string]string{
		"motoko.yaml": motokoProfile,
		"broken.yaml": "apiVersion: persona/v1\nmetadata:\n  name: broken\n",
	})

	_, err := personas.Load(fs)
	if err == nil {
		t.Fatal("expected error for invalid profile, got nil")
	}
	if !strings.Contains(err.Error(), "broken.yaml") {
		t.Errorf("error should name the offending file: %v", err)
	}
}

func TestLoadRejectsDuplicateUserID(t *testing.T) {
	dup := strings.Replace(batouProfile, "name: batou", "name: batou2", 1)
	dup = strings.Replace(dup, "@batou:example.org", "@motoko:example.org", 1)

	fs := makeFS(map[string]string{
		"motoko.yaml": motokoProfile,
		"batou2.yaml": dup,
	})

	_, err := personas.Load(fs)
	if err == nil {
		t.Fatal("expected error for duplicate Matrix user ID, got nil")
	}
}

func TestLoadEmptyDirFails(t *testing.T) {
	_, err := personas.Load(makeFS(map[string]string{"README.md": "x"}))
	if err == nil {
		t.Fatal("expected error when no profiles found")
	}
}

func TestModerates(t *testing.T) {
	fs := makeFS(map[string]string{
		"motoko.yaml": motokoProfile,
		"batou.yaml":  batouProfile,
	})

	reg, err := personas.Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reg.Moderates("motoko", "!lounge:example.org") {
		t.Error("motoko should moderate the lounge")
	}
	if reg.Moderates("motoko", "!other:example.org") {
		t.Error("motoko should not moderate unlisted rooms")
	}
	if reg.Moderates("batou", "!ops:example.org") {
		t.Error("batou has no moderated rooms")
	}
	if reg.Moderates("unknown", "!lounge:example.org") {
		t.Error("unknown persona should not moderate anything")
	}
}
