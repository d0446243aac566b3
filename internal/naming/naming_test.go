package naming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestSanitizeTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Title", "Title"},
		{"a/b\\c:d*e?f", "a_b_c_d_e_f"},
		{"Hello World!", "Hello_World_"},
		{"노래 제목", "노래_제목"},
		{"   ", "untitled"},
		{"...", "untitled"},
	}
	for _, tc := range cases {
		if got := SanitizeTitle(tc.in); got != tc.want {
			t.Errorf("SanitizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeTitleTruncates(t *testing.T) {
	got := SanitizeTitle(strings.Repeat("a", 500))
	if len([]rune(got)) != maxTitleRunes {
		t.Fatalf("expected %d runes, got %d", maxTitleRunes, len([]rune(got)))
	}
}

func TestCanonicalName(t *testing.T) {
	video := CanonicalName(Parts{Title: "Title", SourceID: "abc123", Label: "1080p", FormatID: "137", Ext: "mp4"})
	if video != "Title_abc123_1080p_137.mp4" {
		t.Fatalf("unexpected video name: %s", video)
	}
	audio := CanonicalName(Parts{Title: "Song: Live", SourceID: "abc123", Label: "128k", FormatID: "140", Audio: true, Ext: ".mp3"})
	if audio != "Song__Live_abc123_128k_140_audio.mp3" {
		t.Fatalf("unexpected audio name: %s", audio)
	}
}

func mustReserve(t *testing.T, candidate string, existing map[string]struct{}) string {
	t.Helper()
	name, err := ReserveName(candidate, existing)
	if err != nil {
		t.Fatalf("ReserveName(%q) returned error: %v", candidate, err)
	}
	return name
}

func TestReserveName(t *testing.T) {
	existing := map[string]struct{}{}
	first := mustReserve(t, "Title_abc123_1080p_137.mp4", existing)
	if first != "Title_abc123_1080p_137.mp4" {
		t.Fatalf("first = %s", first)
	}
	existing[first] = struct{}{}

	second := mustReserve(t, "Title_abc123_1080p_137.mp4", existing)
	if second != "Title_abc123_1080p_137_2.mp4" {
		t.Fatalf("second = %s", second)
	}
	existing[second] = struct{}{}

	third := mustReserve(t, "Title_abc123_1080p_137.mp4", existing)
	if third != "Title_abc123_1080p_137_3.mp4" {
		t.Fatalf("third = %s", third)
	}
}

func TestReserveNameExhausted(t *testing.T) {
	existing := map[string]struct{}{"a.mp3": {}}
	for i := 2; i < maxSuffix; i++ {
		existing[fmt.Sprintf("a_%d.mp3", i)] = struct{}{}
	}
	name, err := ReserveName("a.mp3", existing)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got name=%q err=%v", name, err)
	}
	if name != "" {
		t.Fatalf("exhausted reservation must not return a taken name, got %q", name)
	}
}

func TestReserveNameFillsFirstGap(t *testing.T) {
	existing := map[string]struct{}{
		"a.mp3":   {},
		"a_3.mp3": {},
	}
	if got := mustReserve(t, "a.mp3", existing); got != "a_2.mp3" {
		t.Fatalf("got %s, want a_2.mp3", got)
	}
}

func TestReserveNameNeverReturnsExisting(t *testing.T) {
	existing := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		name := mustReserve(t, "clip.mp4", existing)
		if _, dup := existing[name]; dup {
			t.Fatalf("ReserveName returned taken name %s", name)
		}
		existing[name] = struct{}{}
	}
	if len(existing) != 50 {
		t.Fatalf("expected 50 distinct names, got %d", len(existing))
	}
}

type dirLister struct{ dir string }

func (d dirLister) Root() string { return d.dir }

func (d dirLister) Names() (map[string]struct{}, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

func TestResolverClaimConcurrent(t *testing.T) {
	dir := t.TempDir()
	resolver := NewResolver(dirLister{dir: dir})

	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = make(map[string]struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := resolver.Claim("Title_abc123_1080p_137.mp4", func(finalPath string) error {
				return os.WriteFile(finalPath, []byte(fmt.Sprintf("job-%d", i)), 0o644)
			})
			if err != nil {
				t.Errorf("Claim returned error: %v", err)
				return
			}
			mu.Lock()
			paths[p] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(paths) != workers {
		t.Fatalf("expected %d distinct paths, got %d", workers, len(paths))
	}
	if _, ok := paths[filepath.Join(dir, "Title_abc123_1080p_137_2.mp4")]; !ok {
		t.Fatal("expected _2 suffix to be allocated")
	}
}

func TestResolverClaimCommitFailureReleasesName(t *testing.T) {
	dir := t.TempDir()
	resolver := NewResolver(dirLister{dir: dir})

	if _, err := resolver.Claim("x.mp4", func(string) error { return fmt.Errorf("boom") }); err == nil {
		t.Fatal("expected commit error")
	}
	p, err := resolver.Claim("x.mp4", func(finalPath string) error {
		return os.WriteFile(finalPath, nil, 0o644)
	})
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if filepath.Base(p) != "x.mp4" {
		t.Fatalf("expected released name to be reused, got %s", p)
	}
}

func TestResolverClaimRejectsPaths(t *testing.T) {
	resolver := NewResolver(dirLister{dir: t.TempDir()})
	if _, err := resolver.Claim("../evil.mp4", func(string) error { return nil }); err == nil {
		t.Fatal("expected error for path-like candidate")
	}
}
