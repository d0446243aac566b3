// Package formats はフォーマット一覧を代表バリアントに絞り込みます。
package formats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
)

const (
	videoContainer       = "mp4"
	videoCodecFamily     = "avc1"
	preferAudioContainer = "m4a"
)

// 音声ビットレートの標準段階 (kbps) です。
var bitrateLadder = []int{32, 48, 64, 96, 128, 160, 192, 256, 320}

// Variant はクライアントに提示する代表フォーマットです。
type Variant struct {
	FormatID    string `json:"formatId"`
	Label       string `json:"label"`
	Container   string `json:"ext"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
	HasAudio    bool   `json:"hasAudio"`

	tbr float64
}

// Listing はフォーマット照会の結果です。
type Listing struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds float64   `json:"durationSeconds"`
	Video           []Variant `json:"video"`
	Audio           []Variant `json:"audio"`
}

// Prober はソースのメタデータを取得します。
type Prober interface {
	Probe(ctx context.Context, sourceURL string) (*engine.Metadata, error)
}

// Resolver はメタデータを取得して代表バリアントを返します。
type Resolver struct {
	prober Prober
}

// NewResolver は Resolver を作成します。
func NewResolver(prober Prober) *Resolver {
	return &Resolver{prober: prober}
}

// Resolve はソースURLのフォーマット一覧を取得し、重複を除いて返します。
func (r *Resolver) Resolve(ctx context.Context, sourceURL string) (*Listing, error) {
	meta, err := r.prober.Probe(ctx, sourceURL)
	if err != nil {
		return nil, apperr.Upstream("フォーマット情報の取得に失敗しました。しばらくしてから再度お試しください。", err)
	}
	video, audio := Reduce(meta.Formats)
	return &Listing{
		ID:              meta.ID,
		Title:           meta.Title,
		DurationSeconds: meta.DurationSeconds,
		Video:           video,
		Audio:           audio,
	}, nil
}

// Reduce は解像度ごと・ビットレートごとに1件ずつ代表を選びます。
// 該当がなければ空のスライスを返します。
func Reduce(raw []engine.Format) (video []Variant, audio []Variant) {
	video = reduceVideo(raw)
	audio = reduceAudio(raw)
	return video, audio
}

func reduceVideo(raw []engine.Format) []Variant {
	byRes := make(map[string]int)
	out := make([]Variant, 0)
	for _, f := range raw {
		if !acceptVideo(f) {
			continue
		}
		key := fmt.Sprintf("%dx%d", f.Width, f.Height)
		candidate := Variant{
			FormatID:  f.ID,
			Label:     VideoLabel(f),
			Container: f.Ext,
			Width:     f.Width,
			Height:    f.Height,
			HasAudio:  f.HasAudio(),
			tbr:       f.TBR,
		}
		idx, seen := byRes[key]
		if !seen {
			byRes[key] = len(out)
			out = append(out, candidate)
			continue
		}
		// 同値なら先に見つかった方を残す
		if candidate.tbr > out[idx].tbr {
			out[idx] = candidate
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].Width*out[i].Height, out[j].Width*out[j].Height
		if ai != aj {
			return ai > aj
		}
		return out[i].Height > out[j].Height
	})
	uniqueLabels(out)
	return out
}

// uniqueLabels は同じラベルを持つ解像度を WxH 表記に置き換えます。
func uniqueLabels(variants []Variant) {
	counts := make(map[string]int, len(variants))
	for _, v := range variants {
		counts[v.Label]++
	}
	for i := range variants {
		if counts[variants[i].Label] > 1 {
			variants[i].Label = fmt.Sprintf("%dx%d", variants[i].Width, variants[i].Height)
		}
	}
}

func reduceAudio(raw []engine.Format) []Variant {
	byRate := make(map[int]int)
	out := make([]Variant, 0)
	for _, f := range raw {
		if !f.HasAudio() || f.HasVideo() {
			continue
		}
		rate := audioRate(f)
		if rate <= 0 {
			continue
		}
		step := SnapBitrate(rate)
		candidate := Variant{
			FormatID:    f.ID,
			Label:       fmt.Sprintf("%dk", step),
			Container:   f.Ext,
			BitrateKbps: step,
			HasAudio:    true,
			tbr:         rate,
		}
		idx, seen := byRate[step]
		if !seen {
			byRate[step] = len(out)
			out = append(out, candidate)
			continue
		}
		if preferAudio(candidate, out[idx]) {
			out[idx] = candidate
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BitrateKbps > out[j].BitrateKbps
	})
	return out
}

func acceptVideo(f engine.Format) bool {
	return f.HasVideo() &&
		strings.EqualFold(f.Ext, videoContainer) &&
		strings.HasPrefix(strings.ToLower(f.VCodec), videoCodecFamily) &&
		f.Width > 0 && f.Height > 0
}

func preferAudio(candidate, current Variant) bool {
	candPreferred := strings.EqualFold(candidate.Container, preferAudioContainer)
	curPreferred := strings.EqualFold(current.Container, preferAudioContainer)
	if candPreferred != curPreferred {
		return candPreferred
	}
	return candidate.tbr > current.tbr
}

func audioRate(f engine.Format) float64 {
	if f.TBR > 0 {
		return f.TBR
	}
	return f.ABR
}

// SnapBitrate は kbps を最も近い標準段階に丸めます。等距離なら低い方を選びます。
func SnapBitrate(kbps float64) int {
	best := bitrateLadder[0]
	bestDiff := math.Abs(kbps - float64(best))
	for _, step := range bitrateLadder[1:] {
		diff := math.Abs(kbps - float64(step))
		if diff < bestDiff {
			best, bestDiff = step, diff
		}
	}
	return best
}

// VideoLabel は 16:9 (縦長を含む) なら短辺から "1080p" 形式、それ以外は "1440x1080" 形式のラベルを作ります。
func VideoLabel(f engine.Format) string {
	short, long := f.Height, f.Width
	if short > long {
		short, long = long, short
	}
	if short <= 0 {
		if f.Height > 0 {
			return fmt.Sprintf("%dp", f.Height)
		}
		return "video"
	}
	if !widescreen(short, long) {
		return fmt.Sprintf("%dx%d", f.Width, f.Height)
	}
	return fmt.Sprintf("%dp", short)
}

// widescreen は 854x480 のような丸めを許して 16:9 かどうかを判定します。
func widescreen(short, long int) bool {
	diff := long*9 - short*16
	if diff < 0 {
		diff = -diff
	}
	return diff <= 16
}

// AudioLabel は音声フォーマットのラベルを作ります。
func AudioLabel(f engine.Format) string {
	rate := audioRate(f)
	if rate <= 0 {
		return "audio"
	}
	return fmt.Sprintf("%dk", SnapBitrate(rate))
}
