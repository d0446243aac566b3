package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/yourusername/media-forge/internal/logging"
)

func TestFormatSelector(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"muxed video", Request{FormatID: "18", Kind: KindVideo}, "18"},
		{"video only", Request{FormatID: "137", Kind: KindVideo, MergeAudio: true}, "137+bestaudio[ext=m4a]/137+bestaudio"},
		{"audio", Request{FormatID: "140", Kind: KindAudio, MergeAudio: true}, "140"},
	}
	for _, tc := range cases {
		if got := formatSelector(tc.req); got != tc.want {
			t.Errorf("%s: formatSelector = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestMetadataFindFormat(t *testing.T) {
	meta := &Metadata{Formats: []Format{
		{ID: "137", Ext: "mp4", VCodec: "avc1.640028", ACodec: "none", Width: 1920, Height: 1080},
		{ID: "140", Ext: "m4a", VCodec: "none", ACodec: "mp4a.40.2", TBR: 129.5},
	}}

	f, ok := meta.FindFormat("137")
	if !ok {
		t.Fatal("expected 137 to be found")
	}
	if !f.HasVideo() || f.HasAudio() {
		t.Fatalf("unexpected stream flags for 137: video=%v audio=%v", f.HasVideo(), f.HasAudio())
	}

	f, ok = meta.FindFormat("140")
	if !ok || f.HasVideo() || !f.HasAudio() {
		t.Fatalf("unexpected result for 140: %+v ok=%v", f, ok)
	}

	if _, ok := meta.FindFormat("999"); ok {
		t.Fatal("did not expect 999 to be found")
	}

	var nilMeta *Metadata
	if _, ok := nilMeta.FindFormat("137"); ok {
		t.Fatal("nil metadata must not find formats")
	}
}

func TestToReport(t *testing.T) {
	empty := toReport(ytdlp.ProgressUpdate{Status: ytdlp.ProgressStatusStarting})
	if empty.DownloadedBytes != nil || empty.TotalBytes != nil || empty.Speed != nil || empty.ETASeconds != nil {
		t.Fatalf("zero update should report nothing: %+v", empty)
	}

	// 開始時刻が無い場合は速度と残り時間を出さない
	noStart := toReport(ytdlp.ProgressUpdate{
		Status:          ytdlp.ProgressStatusDownloading,
		DownloadedBytes: 50,
		TotalBytes:      100,
	})
	if noStart.DownloadedBytes == nil || *noStart.DownloadedBytes != 50 {
		t.Fatalf("unexpected downloaded bytes: %+v", noStart)
	}
	if noStart.TotalBytes == nil || *noStart.TotalBytes != 100 {
		t.Fatalf("unexpected total bytes: %+v", noStart)
	}
	if noStart.Speed != nil || noStart.ETASeconds != nil {
		t.Fatalf("speed and eta need a start time: %+v", noStart)
	}

	unknownTotal := toReport(ytdlp.ProgressUpdate{
		Status:          ytdlp.ProgressStatusDownloading,
		DownloadedBytes: 10,
		Started:         time.Now().Add(-time.Second),
	})
	if unknownTotal.TotalBytes != nil || unknownTotal.ETASeconds != nil {
		t.Fatalf("unknown total should leave total and eta empty: %+v", unknownTotal)
	}

	r := toReport(ytdlp.ProgressUpdate{
		Status:          ytdlp.ProgressStatusDownloading,
		DownloadedBytes: 50,
		TotalBytes:      100,
		Started:         time.Now().Add(-10 * time.Second),
	})
	if r.Speed == nil || *r.Speed <= 4 || *r.Speed > 5 {
		t.Fatalf("unexpected speed: %v", r.Speed)
	}
	if r.ETASeconds == nil || *r.ETASeconds < 9 || *r.ETASeconds > 11 {
		t.Fatalf("unexpected eta: %v", r.ETASeconds)
	}
}

func TestFetchCommandAudio(t *testing.T) {
	y := NewYtDlp(Options{Executable: "yt-dlp"}, logging.Discard())
	cfg := y.fetchCommand(Request{FormatID: "140", Kind: KindAudio, OutputDir: "/tmp/job"}).GetFlagConfig()

	if cfg.PostProcessing.ExtractAudio == nil || !*cfg.PostProcessing.ExtractAudio {
		t.Fatal("audio jobs must extract audio")
	}
	if got := deref(cfg.PostProcessing.AudioFormat); got != "mp3" {
		t.Fatalf("audio format = %q, want mp3", got)
	}
	if got := deref(cfg.PostProcessing.AudioQuality); got != "192K" {
		t.Fatalf("audio quality = %q, want 192K", got)
	}
	if cfg.VideoFormat.MergeOutputFormat != nil {
		t.Fatal("audio jobs must not set a merge format")
	}
	if got := deref(cfg.VideoFormat.Format); got != "140" {
		t.Fatalf("format = %q, want 140", got)
	}
	if got := deref(cfg.Filesystem.Output); got != filepath.Join("/tmp/job", outputTemplate) {
		t.Fatalf("output = %q", got)
	}

	custom := y.fetchCommand(Request{FormatID: "140", Kind: KindAudio, AudioBitrateKbps: 320, OutputDir: "/tmp/job"}).GetFlagConfig()
	if got := deref(custom.PostProcessing.AudioQuality); got != "320K" {
		t.Fatalf("audio quality = %q, want 320K", got)
	}
}

func TestFetchCommandMergedVideo(t *testing.T) {
	y := NewYtDlp(Options{Executable: "yt-dlp", FFmpegPath: "/usr/bin/ffmpeg"}, logging.Discard())
	cfg := y.fetchCommand(Request{FormatID: "137", Kind: KindVideo, MergeAudio: true, OutputDir: "/tmp/job"}).GetFlagConfig()

	if got := deref(cfg.VideoFormat.MergeOutputFormat); got != "mp4" {
		t.Fatalf("merge output format = %q, want mp4", got)
	}
	if got := deref(cfg.VideoFormat.Format); got != "137+bestaudio[ext=m4a]/137+bestaudio" {
		t.Fatalf("format = %q", got)
	}
	if cfg.PostProcessing.ExtractAudio != nil {
		t.Fatal("video jobs must not extract audio")
	}
}

func TestOutputPath(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "media.mp4")
	audio := filepath.Join(dir, "media.mp3")
	for _, p := range []string{video, audio} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if got := outputPath(video, KindVideo); got != video {
		t.Fatalf("video path = %q", got)
	}
	// 変換前の拡張子が報告されても mp3 を指す
	if got := outputPath(filepath.Join(dir, "media.webm"), KindAudio); got != audio {
		t.Fatalf("audio path = %q, want %q", got, audio)
	}
	if got := outputPath(filepath.Join(dir, "missing.mp4"), KindVideo); got != "" {
		t.Fatalf("missing file should yield empty path, got %q", got)
	}
	if got := outputPath("", KindVideo); got != "" {
		t.Fatalf("empty report should yield empty path, got %q", got)
	}
}

func TestIsSourceURL(t *testing.T) {
	cases := map[string]bool{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ": true,
		"http://example.com/v":                        true,
		"ftp://example.com/v":                         false,
		"https:///no-host":                            false,
		"example.com/v":                               false,
		"":                                            false,
	}
	for raw, want := range cases {
		if got := IsSourceURL(raw); got != want {
			t.Errorf("IsSourceURL(%q) = %v, want %v", raw, got, want)
		}
	}
}
