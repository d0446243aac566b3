// Package engine は外部のメディア取得・変換ツールとの境界を定義します。
package engine

import "net/url"

// Kind は取得する成果物の種別です。
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Format はツールが返す生のフォーマット記述です。
type Format struct {
	ID     string
	Ext    string
	VCodec string
	ACodec string
	Width  int
	Height int
	TBR    float64 // 総ビットレート (kbps)。不明なら 0
	ABR    float64 // 音声ビットレート (kbps)。不明なら 0
}

// HasVideo は映像ストリームを含むかを返します。
func (f Format) HasVideo() bool {
	return f.VCodec != "" && f.VCodec != "none"
}

// HasAudio は音声ストリームを含むかを返します。
func (f Format) HasAudio() bool {
	return f.ACodec != "" && f.ACodec != "none"
}

// Metadata はソースのメタデータです。
type Metadata struct {
	ID              string
	Title           string
	DurationSeconds float64
	Formats         []Format
}

// FindFormat は ID が一致するフォーマットを返します。
func (m *Metadata) FindFormat(id string) (Format, bool) {
	if m == nil {
		return Format{}, false
	}
	for _, f := range m.Formats {
		if f.ID == id {
			return f, true
		}
	}
	return Format{}, false
}

// Request は取得・変換の依頼内容です。
type Request struct {
	SourceURL        string
	FormatID         string
	Kind             Kind
	MergeAudio       bool   // 映像のみのフォーマットに音声を合成する
	AudioBitrateKbps int    // Kind=audio のときの変換ビットレート
	OutputDir        string // ジョブ専用の作業ディレクトリ
}

// Report は進捗通知です。不明な値は nil です。
type Report struct {
	DownloadedBytes *int64
	TotalBytes      *int64
	Speed           *float64 // bytes/sec
	ETASeconds      *int64
}

// IsSourceURL はホストを持つ http(s) の絶対URLかどうかを返します。
func IsSourceURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
