// Package naming は出力ファイル名の生成と衝突回避を提供します。
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	maxTitleRunes = 120
	maxSuffix     = 10000
	untitled      = "untitled"
)

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._-]`)

// ErrExhausted は空き名が見つからなかったことを表します。
var ErrExhausted = errors.New("no free file name available")

// Parts は出力ファイル名の構成要素です。
type Parts struct {
	Title    string
	SourceID string
	Label    string
	FormatID string
	Audio    bool
	Ext      string
}

// SanitizeTitle は許可リスト外の文字を "_" に置き換えます。
func SanitizeTitle(title string) string {
	cleaned := unsafeChars.ReplaceAllString(strings.TrimSpace(title), "_")
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return untitled
	}
	if utf8.RuneCountInString(cleaned) > maxTitleRunes {
		cleaned = string([]rune(cleaned)[:maxTitleRunes])
	}
	return cleaned
}

// CanonicalName は <title>_<id>_<label>_<formatId>[_audio].<ext> を組み立てます。
func CanonicalName(p Parts) string {
	segments := []string{
		SanitizeTitle(p.Title),
		sanitizeSegment(p.SourceID),
		sanitizeSegment(p.Label),
		sanitizeSegment(p.FormatID),
	}
	if p.Audio {
		segments = append(segments, "audio")
	}
	name := strings.Join(nonEmpty(segments), "_")
	ext := strings.TrimPrefix(sanitizeSegment(p.Ext), ".")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// ReserveName は既存名と衝突しない名前を返します。
// 候補が空いていればそのまま、埋まっていれば拡張子の前に _2, _3, ... を付けます。
// 空き名が無ければ ErrExhausted を返します。
func ReserveName(candidate string, existing map[string]struct{}) (string, error) {
	if _, taken := existing[candidate]; !taken {
		return candidate, nil
	}
	ext := filepath.Ext(candidate)
	base := strings.TrimSuffix(candidate, ext)
	for i := 2; i < maxSuffix; i++ {
		name := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, taken := existing[name]; !taken {
			return name, nil
		}
	}
	return "", ErrExhausted
}

// Lister は出力ディレクトリの既存ファイル名を返します。
type Lister interface {
	Root() string
	Names() (map[string]struct{}, error)
}

// Resolver は出力ディレクトリ上の最終パスを排他的に割り当てます。
type Resolver struct {
	lister Lister
	mu     sync.Mutex
}

// NewResolver は Resolver を作成します。
func NewResolver(lister Lister) *Resolver {
	return &Resolver{lister: lister}
}

// Claim は候補名から空き名を決め、ロックを保持したまま commit を実行します。
// commit が成功した時点でファイルは最終パスに存在している必要があります。
func (r *Resolver) Claim(candidate string, commit func(finalPath string) error) (string, error) {
	if candidate == "" || strings.ContainsAny(candidate, `/\`) {
		return "", fmt.Errorf("invalid candidate name: %q", candidate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.lister.Names()
	if err != nil {
		return "", fmt.Errorf("failed to list output directory: %w", err)
	}
	name, err := ReserveName(candidate, existing)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(r.lister.Root(), name)
	if err := commit(finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func sanitizeSegment(s string) string {
	return unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
