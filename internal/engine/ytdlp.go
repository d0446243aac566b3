package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/sirupsen/logrus"
)

const outputTemplate = "media.%(ext)s"

// YtDlp は yt-dlp を使ってメタデータ取得と取得・変換を行います。
type YtDlp struct {
	executable string
	ffmpegPath string
	interval   time.Duration
	logger     logrus.FieldLogger
}

// Options は YtDlp の設定です。
type Options struct {
	Executable       string
	FFmpegPath       string
	ProgressInterval time.Duration
}

// NewYtDlp は YtDlp を作成します。
func NewYtDlp(opts Options, logger logrus.FieldLogger) *YtDlp {
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &YtDlp{
		executable: opts.Executable,
		ffmpegPath: opts.FFmpegPath,
		interval:   interval,
		logger:     logger,
	}
}

func (y *YtDlp) command() *ytdlp.Command {
	cmd := ytdlp.New().
		NoWarnings().
		NoPlaylist()
	if y.executable != "" {
		cmd = cmd.SetExecutable(y.executable)
	}
	if y.ffmpegPath != "" {
		cmd = cmd.FFmpegLocation(y.ffmpegPath)
	}
	return cmd
}

// Probe はダウンロードせずにメタデータとフォーマット一覧を取得します。
func (y *YtDlp) Probe(ctx context.Context, sourceURL string) (*Metadata, error) {
	res, err := y.command().
		SkipDownload().
		DumpSingleJSON().
		Run(ctx, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp probe failed: %w", err)
	}

	infos, err := res.GetExtractedInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to parse yt-dlp output: %w", err)
	}
	if len(infos) == 0 || infos[0] == nil {
		return nil, errors.New("yt-dlp returned no metadata")
	}
	info := infos[0]

	meta := &Metadata{
		ID:              info.ID,
		Title:           deref(info.Title),
		DurationSeconds: derefFloat(info.Duration),
		Formats:         make([]Format, 0, len(info.Formats)),
	}
	for _, f := range info.Formats {
		if f == nil || f.FormatID == nil {
			continue
		}
		meta.Formats = append(meta.Formats, Format{
			ID:     *f.FormatID,
			Ext:    deref(f.Extension),
			VCodec: deref(f.VCodec),
			ACodec: deref(f.ACodec),
			Width:  int(derefFloat(f.Width)),
			Height: int(derefFloat(f.Height)),
			TBR:    derefFloat(f.TBR),
			ABR:    derefFloat(f.ABR),
		})
	}
	return meta, nil
}

// Fetch は依頼内容に従って取得・変換し、作業ディレクトリに成果物を生成します。
// 戻り値は成果物のパスです。特定できない場合は空文字を返します。
func (y *YtDlp) Fetch(ctx context.Context, req Request, onProgress func(Report)) (string, error) {
	if req.OutputDir == "" {
		return "", errors.New("output dir is required")
	}

	cmd := y.fetchCommand(req)
	if onProgress != nil {
		cmd = cmd.ProgressFunc(y.interval, func(update ytdlp.ProgressUpdate) {
			onProgress(toReport(update))
		})
	}

	res, err := cmd.Run(ctx, req.SourceURL)
	if err != nil {
		return "", fmt.Errorf("yt-dlp download failed: %w", err)
	}

	path := reportedPath(res, req.Kind)
	y.logger.WithFields(logrus.Fields{
		"format": req.FormatID,
		"kind":   req.Kind,
		"file":   path,
	}).Debug("yt-dlp finished")
	return path, nil
}

// fetchCommand は取得・変換用のコマンドを組み立てます。
// 音声は mp3 に変換し、映像は mp4 にまとめます。
func (y *YtDlp) fetchCommand(req Request) *ytdlp.Command {
	cmd := y.command().
		Format(formatSelector(req)).
		Output(filepath.Join(req.OutputDir, outputTemplate))

	switch req.Kind {
	case KindAudio:
		bitrate := req.AudioBitrateKbps
		if bitrate <= 0 {
			bitrate = 192
		}
		cmd = cmd.ExtractAudio().
			AudioFormat("mp3").
			AudioQuality(strconv.Itoa(bitrate) + "K")
	default:
		cmd = cmd.MergeOutputFormat("mp4")
	}
	return cmd
}

// reportedPath は yt-dlp が報告した出力パスを返します。
func reportedPath(res *ytdlp.Result, kind Kind) string {
	infos, err := res.GetExtractedInfo()
	if err != nil || len(infos) == 0 || infos[0] == nil || infos[0].Filename == nil {
		return ""
	}
	return outputPath(*infos[0].Filename, kind)
}

// outputPath は後処理後のパスを求めます。
// 音声は変換で拡張子が mp3 に変わります。存在しなければ空文字を返し、呼び出し側に探索を任せます。
func outputPath(reported string, kind Kind) string {
	if reported == "" {
		return ""
	}
	path := reported
	if kind == KindAudio {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".mp3"
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func formatSelector(req Request) string {
	if req.Kind == KindAudio {
		return req.FormatID
	}
	if req.MergeAudio {
		return fmt.Sprintf("%[1]s+bestaudio[ext=m4a]/%[1]s+bestaudio", req.FormatID)
	}
	return req.FormatID
}

func toReport(update ytdlp.ProgressUpdate) Report {
	var r Report
	if update.DownloadedBytes > 0 {
		downloaded := int64(update.DownloadedBytes)
		r.DownloadedBytes = &downloaded

		if !update.Started.IsZero() {
			elapsed := time.Since(update.Started)
			if elapsed.Seconds() > 0 {
				speed := float64(update.DownloadedBytes) / elapsed.Seconds()
				r.Speed = &speed
			}
		}
	}
	if update.TotalBytes > 0 {
		total := int64(update.TotalBytes)
		r.TotalBytes = &total
	}
	// 開始時刻が不明だと ETA は経過時間を基準にできない
	if !update.Started.IsZero() {
		if eta := update.ETA(); eta > 0 {
			seconds := int64(eta.Seconds())
			r.ETASeconds = &seconds
		}
	}
	return r
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
